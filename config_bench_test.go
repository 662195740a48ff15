package datascope_test

import (
	"fmt"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/oarkflow/datascope"
)

// Generate test config with N permission grants and teams
func generateTestConfig(numGrants, numTeams int) *datascope.Config {
	b := datascope.NewConfigBuilder()
	for i := 0; i < numGrants; i++ {
		subject := fmt.Sprintf("analyst-%d", i)
		b.GrantPermission(subject, "acc-bench", datascope.PermAnalyticsView, datascope.CategoryAnalytics)
		b.GrantPermission(subject, "acc-bench", datascope.PermAnalyticsExport, datascope.CategoryAnalytics)
	}
	for i := 0; i < numTeams; i++ {
		team := datascope.NewTeamConfig(fmt.Sprintf("team-%d", i), "acc-bench").
			Name(fmt.Sprintf("Team %d", i)).
			AllowAnalytics(i%2 == 0).
			Member(fmt.Sprintf("analyst-%d", i), datascope.TeamRoleMember).
			Member(fmt.Sprintf("analyst-%d", i+1), datascope.TeamRoleViewer).
			Build()
		b.AddTeam(team)
	}
	return b.Build()
}

// Benchmark DSL Parsing
func BenchmarkDSLParse(b *testing.B) {
	dsl := []byte(`
catalog basic_analytics,user_analytics,detailed_analytics,financial_data,pii_data
require financial_data billing.view
require pii_data security.view
permission analyst-amy acc-bench analytics.view analytics
permission analyst-amy acc-bench analytics.export analytics
role owner-olivia acc-bench account_owner
team team-growth acc-bench "Growth" analytics:on members:analyst-amy=member
engine cache_ttl=5000
`)

	parser := datascope.NewDSLParser()
	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_, _ = parser.Parse(dsl)
	}
}

// Benchmark DSL Encoding
func BenchmarkDSLEncode(b *testing.B) {
	cfg := generateTestConfig(10, 5)
	encoder := datascope.NewDSLEncoder()

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_, _ = encoder.Encode(cfg)
	}
}

// Benchmark Binary Encoding
func BenchmarkBinaryEncode(b *testing.B) {
	cfg := generateTestConfig(10, 5)

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_, _ = datascope.EncodeBinaryConfig(cfg)
	}
}

// Benchmark Binary Decoding
func BenchmarkBinaryDecode(b *testing.B) {
	cfg := generateTestConfig(10, 5)
	data, _ := datascope.EncodeBinaryConfig(cfg)
	loader := datascope.NewConfigLoader()

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_, _ = loader.LoadBinary(data)
	}
}

// Benchmark YAML Encoding
func BenchmarkYAMLEncode(b *testing.B) {
	cfg := generateTestConfig(10, 5)

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_, _ = yaml.Marshal(cfg)
	}
}

// Benchmark YAML Decoding
func BenchmarkYAMLDecode(b *testing.B) {
	cfg := generateTestConfig(10, 5)
	data, _ := cfg.ToYAML()
	loader := datascope.NewConfigLoader()

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_, _ = loader.LoadYAML(data)
	}
}

// Benchmark JSON Encoding
func BenchmarkJSONEncode(b *testing.B) {
	cfg := generateTestConfig(10, 5)

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_, _ = cfg.ToJSON()
	}
}

// Benchmark JSON Decoding
func BenchmarkJSONDecode(b *testing.B) {
	cfg := generateTestConfig(10, 5)
	data, _ := cfg.ToJSON()
	loader := datascope.NewConfigLoader()

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_, _ = loader.LoadJSON(data)
	}
}

// Benchmark with larger configs
func BenchmarkDSLParseLarge(b *testing.B) {
	dsl := []byte("catalog basic_analytics,user_analytics,detailed_analytics\n")
	for i := 0; i < 100; i++ {
		dsl = append(dsl, []byte(fmt.Sprintf("permission analyst-%d acc-bench analytics.view analytics\n", i))...)
	}
	for i := 0; i < 50; i++ {
		dsl = append(dsl, []byte(fmt.Sprintf("team team-%d acc-bench \"Team %d\" analytics:on members:analyst-%d=member\n", i, i, i))...)
	}

	parser := datascope.NewDSLParser()
	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_, _ = parser.Parse(dsl)
	}
}

func BenchmarkBinaryEncodeLarge(b *testing.B) {
	cfg := generateTestConfig(100, 50)

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_, _ = datascope.EncodeBinaryConfig(cfg)
	}
}

func BenchmarkBinaryDecodeLarge(b *testing.B) {
	cfg := generateTestConfig(100, 50)
	data, _ := datascope.EncodeBinaryConfig(cfg)
	loader := datascope.NewConfigLoader()

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_, _ = loader.LoadBinary(data)
	}
}

func BenchmarkYAMLEncodeLarge(b *testing.B) {
	cfg := generateTestConfig(100, 50)

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_, _ = yaml.Marshal(cfg)
	}
}

func BenchmarkYAMLDecodeLarge(b *testing.B) {
	cfg := generateTestConfig(100, 50)
	data, _ := cfg.ToYAML()
	loader := datascope.NewConfigLoader()

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_, _ = loader.LoadYAML(data)
	}
}

// Size comparison test
func TestSizeComparison(t *testing.T) {
	cfg := generateTestConfig(100, 50)

	binaryData, _ := datascope.EncodeBinaryConfig(cfg)
	yamlData, _ := cfg.ToYAML()
	jsonData, _ := cfg.ToJSON()

	t.Logf("Size Comparison (100 grants, 50 teams):")
	t.Logf("  Binary: %d bytes (100%%)", len(binaryData))
	t.Logf("  YAML:   %d bytes (%.0f%%)", len(yamlData), float64(len(yamlData))/float64(len(binaryData))*100)
	t.Logf("  JSON:   %d bytes (%.0f%%)", len(jsonData), float64(len(jsonData))/float64(len(binaryData))*100)
}

package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/oarkflow/date"

	"github.com/oarkflow/datascope"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	switch cmd {
	case "convert":
		handleConvert()
	case "validate":
		handleValidate()
	case "stats":
		handleStats()
	case "check":
		handleCheck()
	default:
		fmt.Printf("Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("datascope-config - Configuration tool for datascope")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  datascope-config convert <input> <output>  - Convert between formats")
	fmt.Println("  datascope-config validate <file>           - Validate configuration")
	fmt.Println("  datascope-config stats <file>              - Show configuration statistics")
	fmt.Println("  datascope-config check <file> <subject> <account> <data-type> [action]")
	fmt.Println("                   [--from <date> --to <date>] [--explain]")
	fmt.Println("                                             - Evaluate an access request")
	fmt.Println()
	fmt.Println("Supported formats: .dsl, .yaml, .yml, .json, .bin")
}

func handleConvert() {
	if len(os.Args) < 4 {
		fmt.Println("Usage: datascope-config convert <input> <output>")
		os.Exit(1)
	}

	inputFile := os.Args[2]
	outputFile := os.Args[3]

	cfg, err := loadConfig(inputFile)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	if err := saveConfig(cfg, outputFile); err != nil {
		fmt.Printf("Error saving config: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Converted %s -> %s\n", inputFile, outputFile)

	inStat, _ := os.Stat(inputFile)
	outStat, _ := os.Stat(outputFile)
	if inStat != nil && outStat != nil {
		reduction := (1 - float64(outStat.Size())/float64(inStat.Size())) * 100
		if reduction > 0 {
			fmt.Printf("Size reduced by %.1f%% (%d -> %d bytes)\n",
				reduction, inStat.Size(), outStat.Size())
		} else {
			fmt.Printf("Size increased by %.1f%% (%d -> %d bytes)\n",
				-reduction, inStat.Size(), outStat.Size())
		}
	}
}

func handleValidate() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: datascope-config validate <file>")
		os.Exit(1)
	}

	filename := os.Args[2]
	cfg, err := loadConfig(filename)
	if err != nil {
		fmt.Printf("Invalid configuration: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Printf("Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Configuration is valid\n")
	fmt.Printf("  Version: %d\n", cfg.Version)
	fmt.Printf("  Catalog entries: %d\n", len(cfg.Catalog))
	fmt.Printf("  Type permissions: %d\n", len(cfg.TypePermissions))
	fmt.Printf("  Permission grants: %d\n", len(cfg.Permissions))
	fmt.Printf("  Role grants: %d\n", len(cfg.Roles))
	fmt.Printf("  Teams: %d\n", len(cfg.Teams))
}

func handleStats() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: datascope-config stats <file>")
		os.Exit(1)
	}

	filename := os.Args[2]
	cfg, err := loadConfig(filename)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	stat, _ := os.Stat(filename)

	fmt.Println("Configuration Statistics")
	fmt.Println("========================")
	if stat != nil {
		fmt.Printf("File size: %d bytes\n", stat.Size())
	}
	fmt.Printf("Version: %d\n", cfg.Version)
	fmt.Println()

	fmt.Println("Components:")
	fmt.Printf("  Catalog entries:   %d\n", len(cfg.Catalog))
	fmt.Printf("  Type permissions:  %d\n", len(cfg.TypePermissions))
	fmt.Printf("  Permission grants: %d\n", len(cfg.Permissions))
	fmt.Printf("  Role grants:       %d\n", len(cfg.Roles))
	fmt.Printf("  Teams:             %d\n", len(cfg.Teams))
	fmt.Println()

	if len(cfg.Permissions) > 0 || len(cfg.Roles) > 0 {
		subjects := map[string]bool{}
		accounts := map[string]bool{}
		for _, g := range cfg.Permissions {
			subjects[g.Subject] = true
			accounts[g.Account] = true
		}
		for _, g := range cfg.Roles {
			subjects[g.Subject] = true
			accounts[g.Account] = true
		}
		fmt.Println("Grant Details:")
		fmt.Printf("  Distinct subjects: %d\n", len(subjects))
		fmt.Printf("  Distinct accounts: %d\n", len(accounts))
		fmt.Println()
	}

	if len(cfg.Teams) > 0 {
		totalMembers := 0
		analyticsTeams := 0
		for _, t := range cfg.Teams {
			totalMembers += len(t.Members)
			if t.AllowAnalytics {
				analyticsTeams++
			}
		}
		fmt.Println("Team Details:")
		fmt.Printf("  Total members:   %d\n", totalMembers)
		fmt.Printf("  Analytics teams: %d\n", analyticsTeams)
		fmt.Printf("  Avg per team:    %.1f\n", float64(totalMembers)/float64(len(cfg.Teams)))
		fmt.Println()
	}

	fmt.Println("Engine Configuration:")
	fmt.Printf("  Decision cache TTL: %dms\n", cfg.Engine.DecisionCacheTTL)
	fmt.Printf("  Sweep interval:     %dms\n", cfg.Engine.SweepInterval)
	fmt.Printf("  Source timeout:     %dms\n", cfg.Engine.SourceTimeout)
	if cfg.Engine.RistrettoMaxCost > 0 {
		fmt.Printf("  Ristretto counters: %d\n", cfg.Engine.RistrettoNumCounter)
		fmt.Printf("  Ristretto max cost: %d\n", cfg.Engine.RistrettoMaxCost)
		fmt.Printf("  Ristretto buffer:   %d\n", cfg.Engine.RistrettoBuffer)
	}
}

func handleCheck() {
	if len(os.Args) < 6 {
		fmt.Println("Usage: datascope-config check <file> <subject> <account> <data-type> [action] [--from <date> --to <date>] [--explain]")
		os.Exit(1)
	}

	filename := os.Args[2]
	subject := os.Args[3]
	account := os.Args[4]
	dataType := os.Args[5]

	action := datascope.ActionView
	explain := false
	var fromStr, toStr string
	rest := os.Args[6:]
	for i := 0; i < len(rest); i++ {
		switch rest[i] {
		case "--explain":
			explain = true
		case "--from":
			if i+1 >= len(rest) {
				fmt.Println("--from requires a date")
				os.Exit(1)
			}
			i++
			fromStr = rest[i]
		case "--to":
			if i+1 >= len(rest) {
				fmt.Println("--to requires a date")
				os.Exit(1)
			}
			i++
			toStr = rest[i]
		default:
			action = datascope.Action(rest[i])
		}
	}

	cfg, err := loadConfig(filename)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	engine, err := datascope.NewEngineFromConfig(cfg)
	if err != nil {
		fmt.Printf("Error building engine: %v\n", err)
		os.Exit(1)
	}
	defer engine.Close()

	ctx := context.Background()

	var filters *datascope.RequestFilters
	if fromStr != "" || toStr != "" {
		if fromStr == "" || toStr == "" {
			fmt.Println("--from and --to must be given together")
			os.Exit(1)
		}
		start, err := date.Parse(fromStr)
		if err != nil {
			fmt.Printf("Error parsing --from: %v\n", err)
			os.Exit(1)
		}
		end, err := date.Parse(toStr)
		if err != nil {
			fmt.Printf("Error parsing --to: %v\n", err)
			os.Exit(1)
		}
		filters = &datascope.RequestFilters{DateRange: &datascope.DateRange{Start: start, End: end}}
	}

	if explain {
		req := datascope.AccessRequest{Subject: subject, Account: account, DataType: dataType, Action: action, Filters: filters}
		explanation, err := engine.ExplainAccess(ctx, req)
		if err != nil {
			fmt.Printf("Error checking access: %v\n", err)
			os.Exit(1)
		}
		printResult(explanation.Result)
		fmt.Println()
		fmt.Println("Evaluation Steps:")
		for i, step := range explanation.Steps {
			fmt.Printf("  %d. %s\n", i+1, step)
		}
		return
	}

	result, err := engine.CheckAccess(ctx, subject, account, dataType, action, filters)
	if err != nil {
		fmt.Printf("Error checking access: %v\n", err)
		os.Exit(1)
	}
	printResult(result)
}

func printResult(result *datascope.PermissionCheckResult) {
	if result.Granted {
		fmt.Println("GRANTED")
	} else {
		fmt.Printf("DENIED: %s\n", result.Reason)
	}
	if len(result.AllowedActions) > 0 {
		actions := make([]string, 0, len(result.AllowedActions))
		for _, a := range result.AllowedActions {
			actions = append(actions, string(a))
		}
		fmt.Printf("Allowed actions: %s\n", strings.Join(actions, ", "))
	}
	if len(result.DeniedActions) > 0 {
		actions := make([]string, 0, len(result.DeniedActions))
		for _, a := range result.DeniedActions {
			actions = append(actions, string(a))
		}
		fmt.Printf("Denied actions:  %s\n", strings.Join(actions, ", "))
	}
	if len(result.AppliedFilters) > 0 {
		fmt.Println("Applied filters:")
		for _, f := range result.AppliedFilters {
			values := make([]string, 0, len(f.Values))
			for _, v := range f.Values {
				values = append(values, v.String())
			}
			fmt.Printf("  %s %s [%s]\n", f.Field, f.Operator, strings.Join(values, ", "))
		}
	}
	if result.Restrictions != nil {
		fmt.Printf("Max time range:  %d days\n", result.Restrictions.MaxTimeRangeDays)
		fmt.Printf("Historical data: %v\n", result.Restrictions.AllowHistoricalData)
	}
}

func loadConfig(filename string) (*datascope.Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}

	ext := strings.ToLower(filepath.Ext(filename))

	switch ext {
	case ".dsl":
		parser := datascope.NewDSLParser()
		return parser.Parse(data)
	case ".yaml", ".yml":
		loader := datascope.NewConfigLoader()
		return loader.LoadYAML(data)
	case ".json":
		loader := datascope.NewConfigLoader()
		return loader.LoadJSON(data)
	case ".bin":
		loader := datascope.NewConfigLoader()
		return loader.LoadBinary(data)
	default:
		return nil, fmt.Errorf("unsupported file format: %s", ext)
	}
}

func saveConfig(cfg *datascope.Config, filename string) error {
	ext := strings.ToLower(filepath.Ext(filename))

	var data []byte
	var err error

	switch ext {
	case ".dsl":
		encoder := datascope.NewDSLEncoder()
		data, err = encoder.Encode(cfg)
	case ".yaml", ".yml":
		data, err = cfg.ToYAML()
	case ".json":
		data, err = cfg.ToJSON()
	case ".bin":
		data, err = datascope.EncodeBinaryConfig(cfg)
	default:
		return fmt.Errorf("unsupported file format: %s", ext)
	}

	if err != nil {
		return err
	}

	return os.WriteFile(filename, data, 0644)
}

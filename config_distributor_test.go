package datascope

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/oarkflow/datascope/logger"
)

func TestSignAndVerifyConfig(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	sc, err := SignConfig(priv, demoConfig())
	if err != nil {
		t.Fatalf("SignConfig: %v", err)
	}
	ok, err := VerifyConfig(pub, sc)
	if err != nil || !ok {
		t.Fatalf("expected valid signature, got ok=%v err=%v", ok, err)
	}

	decoded, err := sc.Decode()
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if decoded.Version != 2 || len(decoded.Catalog) != 6 {
		t.Errorf("unexpected decoded config: version=%d catalog=%v", decoded.Version, decoded.Catalog)
	}

	tampered := &SignedConfig{
		Payload:   append([]byte(nil), sc.Payload...),
		Signature: sc.Signature,
	}
	tampered.Payload[len(tampered.Payload)-1] ^= 0xFF
	ok, err = VerifyConfig(pub, tampered)
	if err != nil || ok {
		t.Errorf("tampered payload must not verify, got ok=%v err=%v", ok, err)
	}

	otherPub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	ok, err = VerifyConfig(otherPub, sc)
	if err != nil || ok {
		t.Errorf("wrong key must not verify, got ok=%v err=%v", ok, err)
	}

	if _, err := VerifyConfig(pub, &SignedConfig{Payload: sc.Payload, Signature: "!!not base64!!"}); err == nil {
		t.Error("expected error for malformed signature")
	}
}

func TestApplySignedConfig(t *testing.T) {
	ctx := context.Background()
	src := newWritableStub()
	eng, err := NewEngine(src, src, WithLogger(logger.NewNullLogger()))
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	t.Cleanup(eng.Close)

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	sc, err := SignConfig(priv, demoConfig())
	if err != nil {
		t.Fatalf("SignConfig: %v", err)
	}

	if err := eng.ApplySignedConfig(ctx, pub, sc); err != nil {
		t.Fatalf("ApplySignedConfig: %v", err)
	}
	result, err := eng.CheckAccess(ctx, "analyst-amy", "acc-acme", DataTypeBasicAnalytics, ActionView, nil)
	if err != nil {
		t.Fatalf("CheckAccess: %v", err)
	}
	if !result.Granted {
		t.Errorf("expected seeded analyst to be granted, reason=%s", result.Reason)
	}

	tampered := &SignedConfig{
		Payload:   append([]byte(nil), sc.Payload...),
		Signature: sc.Signature,
	}
	tampered.Payload[len(tampered.Payload)-1] ^= 0xFF
	err = eng.ApplySignedConfig(ctx, pub, tampered)
	if err == nil || !strings.Contains(err.Error(), "verification failed") {
		t.Errorf("expected verification failure, got %v", err)
	}

	otherPub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	if err := eng.ApplySignedConfig(ctx, otherPub, sc); err == nil {
		t.Error("expected verification failure under foreign key")
	}
}

func TestConfigDistributorDeliversSnapshots(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dist, err := NewConfigDistributor(demoConfig())
	if err != nil {
		t.Fatalf("NewConfigDistributor: %v", err)
	}

	received := make(chan *SignedConfig, 4)
	keys := make(chan ed25519.PublicKey, 4)
	dist.RegisterSubscriber(ConfigSubscriberFunc(func(ctx context.Context, pub ed25519.PublicKey, sc *SignedConfig) error {
		keys <- pub
		received <- sc
		return nil
	}))

	dist.Start(ctx)
	defer dist.Stop(context.Background())

	dist.NotifyChange()

	var sc *SignedConfig
	select {
	case sc = <-received:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for snapshot")
	}
	pub := <-keys

	ok, err := VerifyConfig(pub, sc)
	if err != nil || !ok {
		t.Fatalf("delivered snapshot must verify, got ok=%v err=%v", ok, err)
	}
	decoded, err := sc.Decode()
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if decoded.Version != 2 {
		t.Errorf("unexpected version: %d", decoded.Version)
	}
	if gen, _ := sc.Meta["generated_at"].(string); gen == "" {
		t.Errorf("expected generated_at in meta, got %v", sc.Meta)
	}
	if key, _ := sc.Meta["signing_key"].(string); key != base64.StdEncoding.EncodeToString(pub) {
		t.Errorf("signing_key meta mismatch: %v", sc.Meta)
	}

	// swapping the snapshot queues a distribution on its own
	dist.SetConfig(NewConfigBuilder().Catalog(DataTypeBasicAnalytics).Build())
	select {
	case sc = <-received:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for updated snapshot")
	}
	<-keys
	decoded, err = sc.Decode()
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(decoded.Catalog) != 1 || decoded.Catalog[0] != DataTypeBasicAnalytics {
		t.Errorf("expected updated catalog, got %v", decoded.Catalog)
	}
}

func TestConfigDistributorEngineSubscriber(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := newWritableStub()
	eng, err := NewEngine(src, src, WithLogger(logger.NewNullLogger()))
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	t.Cleanup(eng.Close)

	dist, err := NewConfigDistributor(demoConfig())
	if err != nil {
		t.Fatalf("NewConfigDistributor: %v", err)
	}
	dist.RegisterSubscriber(EngineConfigSubscriber(eng))
	dist.Start(ctx)
	defer dist.Stop(context.Background())

	dist.NotifyChange()

	deadline := time.Now().Add(3 * time.Second)
	for len(eng.Catalog()) != 6 {
		if time.Now().After(deadline) {
			t.Fatalf("snapshot was never applied, catalog=%v", eng.Catalog())
		}
		time.Sleep(10 * time.Millisecond)
	}

	result, err := eng.CheckAccess(ctx, "analyst-amy", "acc-acme", DataTypeBasicAnalytics, ActionView, nil)
	if err != nil {
		t.Fatalf("CheckAccess: %v", err)
	}
	if !result.Granted {
		t.Errorf("expected seeded analyst to be granted, reason=%s", result.Reason)
	}
}

func TestConfigDistributorKeyManagement(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	dist, err := NewConfigDistributor(demoConfig(), WithConfigSigningKey(priv), WithRotationInterval(time.Hour))
	if err != nil {
		t.Fatalf("NewConfigDistributor: %v", err)
	}
	if !bytes.Equal(dist.CurrentPublicKey(), pub) {
		t.Error("expected the provided signing key to be installed")
	}

	if err := dist.RotateSigningKey(); err != nil {
		t.Fatalf("RotateSigningKey: %v", err)
	}
	rotated := dist.CurrentPublicKey()
	if bytes.Equal(rotated, pub) {
		t.Error("rotation must install a new key")
	}

	// signatures from the retired key no longer verify
	sc, err := SignConfig(priv, demoConfig())
	if err != nil {
		t.Fatalf("SignConfig: %v", err)
	}
	ok, err := VerifyConfig(rotated, sc)
	if err != nil || ok {
		t.Errorf("expected stale signature to fail, got ok=%v err=%v", ok, err)
	}
}

func TestConfigDistributorLifecycle(t *testing.T) {
	if _, err := NewConfigDistributor(nil); err == nil {
		t.Fatal("expected error for nil config")
	}

	dist, err := NewConfigDistributor(demoConfig())
	if err != nil {
		t.Fatalf("NewConfigDistributor: %v", err)
	}
	if err := dist.Stop(context.Background()); err != nil {
		t.Errorf("stop before start: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	dist.Start(ctx)
	dist.Start(ctx) // second start is a no-op
	if err := dist.Stop(context.Background()); err != nil {
		t.Errorf("Stop: %v", err)
	}
}

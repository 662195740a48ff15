package datascope

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log"
	"sync"
	"time"
)

// SignedConfig carries a binary-encoded config snapshot and an ed25519
// signature over those exact bytes.
type SignedConfig struct {
	Payload   []byte         `json:"payload"`
	Signature string         `json:"signature"` // base64(sig)
	Meta      map[string]any `json:"meta,omitempty"`
}

// Decode unpacks the signed payload back into a Config.
func (s *SignedConfig) Decode() (*Config, error) {
	return NewConfigLoader().LoadBinary(s.Payload)
}

// SignConfig encodes cfg to its binary form and signs the payload.
func SignConfig(priv ed25519.PrivateKey, cfg *Config) (*SignedConfig, error) {
	payload, err := EncodeBinaryConfig(cfg)
	if err != nil {
		return nil, err
	}
	sig := ed25519.Sign(priv, payload)
	return &SignedConfig{
		Payload:   payload,
		Signature: base64.StdEncoding.EncodeToString(sig),
	}, nil
}

// VerifyConfig checks the signature against the payload bytes.
func VerifyConfig(pub ed25519.PublicKey, sc *SignedConfig) (bool, error) {
	sig, err := base64.StdEncoding.DecodeString(sc.Signature)
	if err != nil {
		return false, fmt.Errorf("decode signature: %w", err)
	}
	return ed25519.Verify(pub, sc.Payload, sig), nil
}

// ApplySignedConfig verifies a signed snapshot and applies it to the engine.
func (e *Engine) ApplySignedConfig(ctx context.Context, pub ed25519.PublicKey, sc *SignedConfig) error {
	ok, err := VerifyConfig(pub, sc)
	if err != nil || !ok {
		return fmt.Errorf("config verification failed: %v", err)
	}
	cfg, err := sc.Decode()
	if err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	return e.ApplyConfig(ctx, cfg)
}

type ConfigSubscriber interface {
	OnConfig(ctx context.Context, pub ed25519.PublicKey, sc *SignedConfig) error
}

type ConfigSubscriberFunc func(ctx context.Context, pub ed25519.PublicKey, sc *SignedConfig) error

func (f ConfigSubscriberFunc) OnConfig(ctx context.Context, pub ed25519.PublicKey, sc *SignedConfig) error {
	return f(ctx, pub, sc)
}

// EngineConfigSubscriber adapts an engine into a subscriber so distributed
// snapshots are applied as they arrive.
func EngineConfigSubscriber(e *Engine) ConfigSubscriberFunc {
	return func(ctx context.Context, pub ed25519.PublicKey, sc *SignedConfig) error {
		return e.ApplySignedConfig(ctx, pub, sc)
	}
}

// ConfigDistributor signs config snapshots and fans them out to subscribers.
// Changes are pushed through NotifyChange; the signing key rotates on a
// timer.
type ConfigDistributor struct {
	cfg              *Config
	pub              ed25519.PublicKey
	priv             ed25519.PrivateKey
	rotationInterval time.Duration
	notifyCh         chan struct{}
	stopCh           chan struct{}
	subscribers      []ConfigSubscriber
	mu               sync.RWMutex
	started          bool
	wg               sync.WaitGroup
}

type ConfigDistributorOption func(*ConfigDistributor)

func WithConfigSigningKey(priv ed25519.PrivateKey) ConfigDistributorOption {
	return func(d *ConfigDistributor) {
		if priv != nil && len(priv) == ed25519.PrivateKeySize {
			d.priv = append(ed25519.PrivateKey{}, priv...)
			d.pub = priv.Public().(ed25519.PublicKey)
		}
	}
}

func WithRotationInterval(interval time.Duration) ConfigDistributorOption {
	return func(d *ConfigDistributor) {
		if interval > 0 {
			d.rotationInterval = interval
		}
	}
}

func NewConfigDistributor(cfg *Config, opts ...ConfigDistributorOption) (*ConfigDistributor, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	dist := &ConfigDistributor{
		cfg:              cfg,
		priv:             priv,
		pub:              pub,
		rotationInterval: 24 * time.Hour,
		notifyCh:         make(chan struct{}, 1),
		stopCh:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(dist)
	}
	return dist, nil
}

func (d *ConfigDistributor) Start(ctx context.Context) {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return
	}
	d.started = true
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ticker := time.NewTicker(d.rotationInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-d.stopCh:
				return
			case <-d.notifyCh:
				if err := d.distribute(ctx); err != nil {
					log.Printf("config distribution failed: %v", err)
				}
			case <-ticker.C:
				if err := d.RotateSigningKey(); err != nil {
					log.Printf("config key rotation failed: %v", err)
				}
			}
		}
	}()
}

func (d *ConfigDistributor) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return nil
	}
	d.started = false
	d.mu.Unlock()

	close(d.stopCh)
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// SetConfig swaps the current snapshot and queues a distribution.
func (d *ConfigDistributor) SetConfig(cfg *Config) {
	if cfg == nil {
		return
	}
	d.mu.Lock()
	d.cfg = cfg
	d.mu.Unlock()
	d.NotifyChange()
}

// NotifyChange queues a distribution without blocking; a pending
// notification already covers the change.
func (d *ConfigDistributor) NotifyChange() {
	select {
	case d.notifyCh <- struct{}{}:
	default:
	}
}

func (d *ConfigDistributor) RegisterSubscriber(sub ConfigSubscriber) {
	if sub == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subscribers = append(d.subscribers, sub)
}

func (d *ConfigDistributor) RotateSigningKey() error {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.priv = priv
	d.pub = pub
	d.mu.Unlock()
	return nil
}

func (d *ConfigDistributor) CurrentPublicKey() ed25519.PublicKey {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append(ed25519.PublicKey(nil), d.pub...)
}

func (d *ConfigDistributor) distribute(ctx context.Context) error {
	d.mu.RLock()
	cfg := d.cfg
	priv := d.priv
	subs := append([]ConfigSubscriber(nil), d.subscribers...)
	d.mu.RUnlock()

	sc, err := SignConfig(priv, cfg)
	if err != nil {
		return err
	}
	if sc.Meta == nil {
		sc.Meta = map[string]any{}
	}
	sc.Meta["generated_at"] = time.Now().UTC().Format(time.RFC3339Nano)
	sc.Meta["signing_key"] = base64.StdEncoding.EncodeToString(d.CurrentPublicKey())

	for _, sub := range subs {
		if err := sub.OnConfig(ctx, d.CurrentPublicKey(), sc); err != nil {
			log.Printf("config subscriber error: %v", err)
		}
	}
	return nil
}

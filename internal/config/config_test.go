package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
logging:
  level: debug
  console: true
storage:
  driver: sqlite
  path: ./notifyd.db
feed:
  source: store
  poll_interval: 500ms
dispatch:
  email_fanout: 4
push:
  driver: log
email:
  driver: smtp
  host: smtp.example.com
  port: 587
  from: noreply@example.com
history:
  retention: 720h
  prune_schedule: "@daily"
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestLoadYAML(t *testing.T) {
	m := NewManager(writeFile(t, "notifyd.yaml", sampleYAML))
	m.SetSecrets(Secrets{SMTPPassword: "hunter2"})

	cfg, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, 4, cfg.Dispatch.EmailFanout)
	assert.Equal(t, "hunter2", cfg.Email.Password)
	assert.Same(t, cfg, m.Get())
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	_, err := Decode("x.json", []byte(`{"storage":{"driver":"memory"},"bogus":1}`))
	require.Error(t, err)

	_, err = Decode("x.json", []byte(`{}{}`))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "zero config is valid", cfg: Config{}},
		{name: "sqlite needs path", cfg: Config{Storage: StorageConfig{Driver: "sqlite"}}, wantErr: true},
		{name: "unknown push driver", cfg: Config{Push: PushConfig{Driver: "apns"}}, wantErr: true},
		{name: "kafka needs brokers", cfg: Config{Feed: FeedConfig{Source: "kafka", Kafka: KafkaConfig{Topic: "cdc"}}}, wantErr: true},
		{name: "bad duration", cfg: Config{History: HistoryConfig{Retention: "soon"}}, wantErr: true},
		{name: "bad cron", cfg: Config{History: HistoryConfig{PruneSchedule: "every day"}}, wantErr: true},
		{name: "public ops needs token", cfg: Config{Ops: OpsConfig{Enabled: true, Addr: "0.0.0.0:8081"}}, wantErr: true},
		{name: "public ops with token", cfg: Config{Ops: OpsConfig{Enabled: true, Addr: "0.0.0.0:8081", Token: "t"}}},
		{name: "negative fanout", cfg: Config{Dispatch: DispatchConfig{EmailFanout: -1}}, wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := Validate(&tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestApplySecretsKeepsFileValuesWhenEnvEmpty(t *testing.T) {
	cfg := &Config{Email: EmailConfig{Username: "file-user"}}
	ApplySecrets(cfg, Secrets{OpsToken: "ops"})
	assert.Equal(t, "file-user", cfg.Email.Username)
	assert.Equal(t, "ops", cfg.Ops.Token)
}

func TestLoadSecretsFromEnv(t *testing.T) {
	t.Setenv("NOTIFYD_SMTP_PASSWORD", "pw")
	t.Setenv("NOTIFYD_FCM_CREDENTIALS", "/etc/fcm.json")

	s, err := LoadSecrets()
	require.NoError(t, err)
	assert.Equal(t, "pw", s.SMTPPassword)
	assert.Equal(t, "/etc/fcm.json", s.FCMCredentials)
}

func TestSummarizeChangeHidesSecrets(t *testing.T) {
	oldCfg := &Config{Email: EmailConfig{Driver: "smtp", Password: "a"}}
	newCfg := &Config{Email: EmailConfig{Driver: "smtp", Password: "b"}, Dispatch: DispatchConfig{EmailFanout: 2}}

	changed, _ := SummarizeChange(oldCfg, newCfg)
	assert.ElementsMatch(t, []string{"email", "dispatch"}, changed)

	changed, _ = SummarizeChange(newCfg, newCfg)
	assert.Empty(t, changed)
}

func TestParseDuration(t *testing.T) {
	d, err := ParseDurationOrDefault("x", "", time.Second)
	require.NoError(t, err)
	assert.Equal(t, time.Second, d)

	_, err = ParseDurationField("x", "-1s")
	assert.Error(t, err)
}

func TestWatchPublishesReload(t *testing.T) {
	path := writeFile(t, "notifyd.json", `{"dispatch":{"email_fanout":1}}`)
	m := NewManager(path)
	_, err := m.Load()
	require.NoError(t, err)

	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()

	// Give the watcher a moment to register the directory.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte(`{"dispatch":{"email_fanout":7}}`), 0o644))

	select {
	case cfg := <-ch:
		assert.Equal(t, 7, cfg.Dispatch.EmailFanout)
	case <-time.After(5 * time.Second):
		t.Fatal("no reload published")
	}
}

package upstream

import (
	"errors"
	"net/netip"
	"os"
	"path/filepath"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingLogger struct {
	warns []string
	infos []string
}

func (l *recordingLogger) Info(_ map[string]any, msg string)  { l.infos = append(l.infos, msg) }
func (l *recordingLogger) Error(map[string]any, string)       {}
func (l *recordingLogger) Debug(map[string]any, string)       {}
func (l *recordingLogger) Warn(_ map[string]any, msg string)  { l.warns = append(l.warns, msg) }
func (l *recordingLogger) Panic(map[string]any, string)       {}
func (l *recordingLogger) Fatal(map[string]any, string)       {}

func writeResolvConf(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "resolv.conf")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestDiscover_ResolvConf(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		want     string
		wantOK   bool
		wantWarn string
	}{
		{
			name:   "first ipv4 nameserver",
			body:   "search lan\nnameserver 192.168.1.1\nnameserver 8.8.8.8\n",
			want:   "192.168.1.1:53",
			wantOK: true,
		},
		{
			name:     "ipv6 first disables forwarding",
			body:     "nameserver 2001:db8::1\nnameserver 192.168.1.1\n",
			wantOK:   false,
			wantWarn: msgIPv6Unsupported,
		},
		{
			name:     "no nameservers",
			body:     "search lan\n",
			wantOK:   false,
			wantWarn: "No upstream DNS, forwarding disabled",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := &recordingLogger{}
			addr, ok := Discover(Options{
				Upstream:   ModeAuto,
				ResolvConf: writeResolvConf(t, tt.body),
				Logger:     logger,
			})
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.Equal(t, netip.MustParseAddrPort(tt.want), addr)
			} else {
				assert.False(t, addr.IsValid())
				assert.Contains(t, logger.warns, tt.wantWarn)
			}
		})
	}
}

func TestDiscover_MissingResolvConf(t *testing.T) {
	logger := &recordingLogger{}
	_, ok := Discover(Options{
		Upstream:   ModeAuto,
		ResolvConf: filepath.Join(t.TempDir(), "missing"),
		Logger:     logger,
	})
	assert.False(t, ok)
	assert.Len(t, logger.warns, 1)
}

func TestDiscover_EmptyModeIsAuto(t *testing.T) {
	addr, ok := Discover(Options{
		ResolvConf: writeResolvConf(t, "nameserver 10.0.0.1\n"),
		Port:       5353,
	})
	require.True(t, ok)
	assert.Equal(t, netip.MustParseAddrPort("10.0.0.1:5353"), addr)
}

func TestDiscover_ExplicitModes(t *testing.T) {
	tests := []struct {
		name     string
		upstream string
		want     string
		wantOK   bool
	}{
		{"none", "none", "", false},
		{"none uppercase", "NONE", "", false},
		{"ipv4", "9.9.9.9", "9.9.9.9:53", true},
		{"ipv4 mapped", "::ffff:1.1.1.1", "1.1.1.1:53", true},
		{"ipv6 rejected", "2001:db8::53", "", false},
		{"garbage", "resolver.example", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			addr, ok := Discover(Options{Upstream: tt.upstream})
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.Equal(t, netip.MustParseAddrPort(tt.want), addr)
			}
		})
	}
}

func TestDiscover_UnparsableNameserver(t *testing.T) {
	orig := readConfig
	defer func() { readConfig = orig }()
	readConfig = func(string) (*dns.ClientConfig, error) {
		return &dns.ClientConfig{Servers: []string{"not-an-ip"}, Port: "53"}, nil
	}

	_, ok := Discover(Options{Upstream: ModeAuto})
	assert.False(t, ok)
}

func TestDiscover_ReadError(t *testing.T) {
	orig := readConfig
	defer func() { readConfig = orig }()
	readConfig = func(string) (*dns.ClientConfig, error) {
		return nil, errors.New("permission denied")
	}

	logger := &recordingLogger{}
	_, ok := Discover(Options{Upstream: ModeAuto, Logger: logger})
	assert.False(t, ok)
	assert.Equal(t, []string{"No upstream DNS, forwarding disabled"}, logger.warns)
}

func TestParseUpstream(t *testing.T) {
	ip, err := ParseUpstream("192.168.1.1")
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddr("192.168.1.1"), ip)

	_, err = ParseUpstream("::1")
	assert.Error(t, err)
	_, err = ParseUpstream("")
	assert.Error(t, err)
}

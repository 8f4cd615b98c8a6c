package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParseDurationSuffixes(t *testing.T) {
	cases := map[string]time.Duration{
		"500us": 500 * time.Microsecond,
		"250ms": 250 * time.Millisecond,
		"5s":    5 * time.Second,
		"2m":    2 * time.Minute,
		"1h":    time.Hour,
		"1d":    24 * time.Hour,
		"100":   100 * time.Millisecond,
	}
	for in, want := range cases {
		got, err := ParseDuration(in)
		if err != nil {
			t.Fatalf("ParseDuration(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("ParseDuration(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestParseDurationInvalid(t *testing.T) {
	if _, err := ParseDuration("abc"); err == nil {
		t.Fatal("expected error for non-numeric duration")
	}
	if _, err := ParseDuration(""); err == nil {
		t.Fatal("expected error for empty duration")
	}
}

func TestParseDirectiveInspectDelay(t *testing.T) {
	d, err := ParseDirective("tcp-request inspect-delay 5s")
	if err != nil {
		t.Fatal(err)
	}
	if d.Kind != DirInspectDelay || d.Delay != 5*time.Second {
		t.Fatalf("unexpected directive: %+v", d)
	}
}

func TestParseDirectiveContentAcceptWithCondition(t *testing.T) {
	d, err := ParseDirective("tcp-request content accept if is_ssh_client")
	if err != nil {
		t.Fatal(err)
	}
	if d.Kind != DirContentAccept || d.ACLName != "is_ssh_client" || d.Negate {
		t.Fatalf("unexpected directive: %+v", d)
	}
}

func TestParseDirectiveContentRejectUnless(t *testing.T) {
	d, err := ParseDirective("tcp-request content reject unless allowed_src")
	if err != nil {
		t.Fatal(err)
	}
	if d.Kind != DirContentReject || !d.Reject || !d.Negate || d.ACLName != "allowed_src" {
		t.Fatalf("unexpected directive: %+v", d)
	}
}

func TestParseDirectiveRejectsGarbage(t *testing.T) {
	if _, err := ParseDirective("not-a-directive"); err == nil {
		t.Fatal("expected error")
	}
	if _, err := ParseDirective("tcp-request content maybe"); err == nil {
		t.Fatal("expected error for unknown action")
	}
}

func TestParseJSONConfigRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	const body = `{"proxies":[{"name":"fe1","mode":"tcp","listen":":8080","servers":[{"name":"s1","addr":"127.0.0.1:9000","maxconn":10}]}],"log":"/tmp/out.log"}`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	var cfg Config
	if err := ParseJSONConfig(&cfg, path); err != nil {
		t.Fatal(err)
	}
	if len(cfg.Proxies) != 1 || cfg.Proxies[0].Name != "fe1" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.Proxies[0].Servers[0].MaxConn != 10 {
		t.Fatalf("unexpected server config: %+v", cfg.Proxies[0].Servers[0])
	}
}

func TestParseYAMLConfigRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	const body = "proxies:\n  - name: fe1\n    mode: tcp\n    listen: \":8080\"\n    servers:\n      - name: s1\n        addr: 127.0.0.1:9000\n        maxconn: 10\nlog: /tmp/out.log\n"
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	var cfg Config
	if err := ParseYAMLConfig(&cfg, path); err != nil {
		t.Fatal(err)
	}
	if len(cfg.Proxies) != 1 || cfg.Proxies[0].Name != "fe1" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

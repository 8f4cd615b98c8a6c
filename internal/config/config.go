// Package config loads the proxy's static configuration: listener
// addresses, backend server pools, timeouts, and tcp-request directives
// (spec §6). It mirrors the JSON-overrides-flags pattern, with an
// additional YAML front-end.
package config

import (
	"encoding/json"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// ServerConfig describes one backend target (spec §3 "Server").
type ServerConfig struct {
	Name        string `json:"name" yaml:"name"`
	Addr        string `json:"addr" yaml:"addr"`
	MaxConn     int    `json:"maxconn" yaml:"maxconn"`
	Retries     int    `json:"retries" yaml:"retries"`
	Weight      int    `json:"weight" yaml:"weight"`
	SourceIface string `json:"source" yaml:"source"`
}

// ProxyConfig describes one frontend/backend pair (spec §3 "Proxy").
type ProxyConfig struct {
	Name       string         `json:"name" yaml:"name"`
	Mode       string         `json:"mode" yaml:"mode"` // "tcp", "http", "health"
	Listen     string         `json:"listen" yaml:"listen"`
	Servers    []ServerConfig `json:"servers" yaml:"servers"`
	Directives []string       `json:"directives" yaml:"directives"`

	ClientTimeout  string `json:"client_timeout" yaml:"client_timeout"`
	ServerTimeout  string `json:"server_timeout" yaml:"server_timeout"`
	ConnectTimeout string `json:"connect_timeout" yaml:"connect_timeout"`
	QueueTimeout   string `json:"queue_timeout" yaml:"queue_timeout"`

	ProxyProtocol bool `json:"proxy_protocol" yaml:"proxy_protocol"`
	RDPCookie     bool `json:"rdp_cookie" yaml:"rdp_cookie"`

	Retries       int  `json:"retries" yaml:"retries"`
	Redispatch    bool `json:"redispatch" yaml:"redispatch"`
	PersistOnDown bool `json:"persist_on_down" yaml:"persist_on_down"`
	NoLinger      bool `json:"no_linger" yaml:"no_linger"`
	KeepAlive     bool `json:"keepalive" yaml:"keepalive"`
}

// Config is the top-level document, loadable from JSON or YAML and
// overridable by CLI flags the way the teacher's server/client configs are
// (spec AMBIENT STACK).
type Config struct {
	Proxies []ProxyConfig `json:"proxies" yaml:"proxies"`

	Log         string `json:"log" yaml:"log"`
	Pprof       bool   `json:"pprof" yaml:"pprof"`
	Quiet       bool   `json:"quiet" yaml:"quiet"`
	StatsLog    string `json:"statslog" yaml:"statslog"`
	StatsCron   string `json:"statscron" yaml:"statscron"`
	AcceptRate  int    `json:"acceptrate" yaml:"acceptrate"`
	AcceptBurst int    `json:"acceptburst" yaml:"acceptburst"`
}

// ParseJSONConfig decodes a JSON config file, the default override format
// (spec AMBIENT STACK, grounded on server/config.go: parseJSONConfig).
func ParseJSONConfig(cfg *Config, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "open json config")
	}
	defer f.Close()
	return errors.Wrap(json.NewDecoder(f).Decode(cfg), "decode json config")
}

// ParseYAMLConfig decodes a YAML config file, offered alongside JSON as an
// alternate format (spec DOMAIN STACK: gopkg.in/yaml.v3).
func ParseYAMLConfig(cfg *Config, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "read yaml config")
	}
	return errors.Wrap(yaml.Unmarshal(raw, cfg), "decode yaml config")
}

// ParseDuration accepts HAProxy-style duration suffixes us|ms|s|m|h|d in
// addition to Go's own, since tcp-request inspect-delay values in the
// original configuration language are written that way (spec §6,
// SUPPLEMENTED FEATURES, grounded on original_source/src/cfgparse.c
// parsing of timed values).
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty duration")
	}
	for _, suffix := range []struct {
		s string
		d time.Duration
	}{
		{"us", time.Microsecond},
		{"ms", time.Millisecond},
		{"s", time.Second},
		{"m", time.Minute},
		{"h", time.Hour},
		{"d", 24 * time.Hour},
	} {
		if strings.HasSuffix(s, suffix.s) {
			n, err := strconv.ParseInt(strings.TrimSuffix(s, suffix.s), 10, 64)
			if err != nil {
				return 0, errors.Wrapf(err, "invalid duration %q", s)
			}
			return time.Duration(n) * suffix.d, nil
		}
	}
	// bare integer defaults to milliseconds, matching the original parser.
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid duration %q", s)
	}
	return time.Duration(n) * time.Millisecond, nil
}

// Directive is one parsed "tcp-request ..." line (spec §6).
type Directive struct {
	Kind DirectiveKind

	// for inspect-delay
	Delay time.Duration

	// for content {accept|reject}
	Reject  bool
	ACLName string
	Negate  bool
}

type DirectiveKind int

const (
	DirInspectDelay DirectiveKind = iota
	DirContentAccept
	DirContentReject
)

// ParseDirective parses one line of the form:
//
//	tcp-request inspect-delay <duration>
//	tcp-request content accept [if|unless <acl>]
//	tcp-request content reject [if|unless <acl>]
//
// Only the single ACL name after if/unless is recorded; further tokens are
// ignored, and a leading '!' is not parsed as negation (it stays part of
// ACLName).
//
// (spec §6 SUPPLEMENTED FEATURES, grounded on original_source/src/proto_tcp.c
// tcp-request parsing).
func ParseDirective(line string) (*Directive, error) {
	fields := strings.Fields(line)
	if len(fields) < 2 || fields[0] != "tcp-request" {
		return nil, errors.Errorf("not a tcp-request directive: %q", line)
	}
	switch fields[1] {
	case "inspect-delay":
		if len(fields) != 3 {
			return nil, errors.Errorf("tcp-request inspect-delay: expected one duration argument: %q", line)
		}
		d, err := ParseDuration(fields[2])
		if err != nil {
			return nil, err
		}
		return &Directive{Kind: DirInspectDelay, Delay: d}, nil
	case "content":
		if len(fields) < 3 {
			return nil, errors.Errorf("tcp-request content: missing accept|reject: %q", line)
		}
		d := &Directive{}
		switch fields[2] {
		case "accept":
			d.Kind = DirContentAccept
		case "reject":
			d.Kind = DirContentReject
			d.Reject = true
		default:
			return nil, errors.Errorf("tcp-request content: unknown action %q", fields[2])
		}
		if len(fields) >= 5 && (fields[3] == "if" || fields[3] == "unless") {
			d.Negate = fields[3] == "unless"
			d.ACLName = fields[4]
		}
		return d, nil
	default:
		return nil, errors.Errorf("unknown tcp-request directive %q", fields[1])
	}
}

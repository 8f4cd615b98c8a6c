package main

import (
	"context"
	"log"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/urfave/cli"

	"github.com/xtaci/reverseproxy/internal/acl"
	"github.com/xtaci/reverseproxy/internal/analyser"
	"github.com/xtaci/reverseproxy/internal/config"
	"github.com/xtaci/reverseproxy/internal/proxy"
	"github.com/xtaci/reverseproxy/internal/rlisten"
	"github.com/xtaci/reverseproxy/internal/sched"
	"github.com/xtaci/reverseproxy/internal/session"
	"github.com/xtaci/reverseproxy/internal/stats"
	"github.com/xtaci/reverseproxy/internal/streamif"
	"github.com/xtaci/reverseproxy/internal/xbuffer"
	"github.com/xtaci/reverseproxy/internal/xerrors"
)

// VERSION is populated via build flags when packaging official binaries.
var VERSION = "SELFBUILD"

func main() {
	if VERSION == "SELFBUILD" {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	}

	myApp := cli.NewApp()
	myApp.Name = "reverseproxy"
	myApp.Usage = "connection-oriented TCP reverse proxy session engine"
	myApp.Version = VERSION
	myApp.Flags = []cli.Flag{
		cli.StringFlag{Name: "c", Usage: "JSON configuration file"},
		cli.StringFlag{Name: "yaml", Usage: "YAML configuration file"},
		cli.StringFlag{Name: "log", Usage: "redirect log output to this file instead of stderr"},
		cli.BoolFlag{Name: "quiet", Usage: "suppress the startup configuration dump"},
		cli.BoolFlag{Name: "pprof", Usage: "expose net/http/pprof on :6060"},
		cli.StringFlag{Name: "statslog", Usage: "periodic per-proxy CSV counters dump path"},
		cli.StringFlag{Name: "statscron", Usage: "cron expression for the stats dump, instead of a fixed period"},
		cli.IntFlag{Name: "statsperiod", Value: 60, Usage: "stats dump period in seconds, when statscron is unset"},
		cli.IntFlag{Name: "acceptrate", Value: 0, Usage: "max accepts/sec per listener, 0 disables the limiter"},
		cli.IntFlag{Name: "acceptburst", Value: 0, Usage: "accept limiter burst size, defaults to acceptrate"},
	}
	myApp.Action = run
	if err := myApp.Run(os.Args); err != nil {
		checkError(err)
	}
}

func run(c *cli.Context) error {
	cfg := config.Config{
		Quiet:       c.Bool("quiet"),
		Pprof:       c.Bool("pprof"),
		Log:         c.String("log"),
		StatsLog:    c.String("statslog"),
		StatsCron:   c.String("statscron"),
		AcceptRate:  c.Int("acceptrate"),
		AcceptBurst: c.Int("acceptburst"),
	}

	if c.String("c") != "" {
		if err := config.ParseJSONConfig(&cfg, c.String("c")); err != nil {
			return err
		}
	} else if c.String("yaml") != "" {
		if err := config.ParseYAMLConfig(&cfg, c.String("yaml")); err != nil {
			return err
		}
	}

	if cfg.Log != "" {
		f, err := os.OpenFile(cfg.Log, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
		if err != nil {
			return err
		}
		defer f.Close()
		log.SetOutput(f)
	}

	if !cfg.Quiet {
		log.Println("version:", VERSION)
		log.Println("proxies configured:", len(cfg.Proxies))
		log.Println("accept rate:", cfg.AcceptRate, "burst:", cfg.AcceptBurst)
		log.Println("statslog:", cfg.StatsLog, "statscron:", cfg.StatsCron)
	}

	if cfg.Pprof {
		go http.ListenAndServe(":6060", nil)
	}

	proxies, err := buildProxies(cfg)
	if err != nil {
		return err
	}

	schedRunner := sched.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go schedRunner.Run(ctx)

	var sessionID uint64
	var listeners []*rlisten.Listener

	for _, pc := range cfg.Proxies {
		px := proxies[pc.Name]
		ln, err := rlisten.New("tcp", pc.Listen, cfg.AcceptRate, cfg.AcceptBurst)
		if err != nil {
			return err
		}
		listeners = append(listeners, ln)

		fe, be := px, px
		admit := func(conn net.Conn) {
			id := atomic.AddUint64(&sessionID, 1)
			newSession(id, fe, be, conn, schedRunner, cfg.Quiet)
		}
		go func(ln *rlisten.Listener, name string) {
			if err := ln.Serve(ctx, admit); err != nil {
				log.Println(color.RedString("listener %s: %v", name, err))
			}
		}(ln, pc.Name)

		if !cfg.Quiet {
			log.Println("listening:", pc.Name, ln.Addrs())
		}
	}

	if cfg.StatsLog != "" || cfg.StatsCron != "" {
		source := func() []*proxy.Proxy {
			list := make([]*proxy.Proxy, 0, len(proxies))
			for _, px := range proxies {
				list = append(list, px)
			}
			return list
		}
		period := time.Duration(c.Int("statsperiod")) * time.Second
		logger := stats.NewLogger(cfg.StatsLog, period, source)
		stop := make(chan struct{})
		go func() {
			<-ctx.Done()
			close(stop)
		}()
		if cfg.StatsCron != "" {
			go func() {
				if err := logger.RunCron(cfg.StatsCron, stop); err != nil {
					log.Println("statscron:", err)
				}
			}()
		} else {
			go logger.Run(stop)
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Println("shutting down")
	cancel()
	for _, ln := range listeners {
		ln.Close()
	}
	return nil
}

// buildProxies turns the loaded configuration into the Proxy/Server objects
// the session engine consults on every pass, and compiles each proxy's
// tcp-request directives into TCPInspectRules against the default ACL set
// (spec §3, §6).
func buildProxies(cfg config.Config) (map[string]*proxy.Proxy, error) {
	conditions := acl.DefaultACLs()
	proxies := make(map[string]*proxy.Proxy, len(cfg.Proxies))

	for _, pc := range cfg.Proxies {
		mode := proxy.ModeTCP
		switch pc.Mode {
		case "http":
			mode = proxy.ModeHTTP
		case "health":
			mode = proxy.ModeHealth
		}

		px := proxy.NewProxy(pc.Name, mode)
		px.ACLs = acl.Builtins()
		px.Options.Retries = pc.Retries
		px.Options.Redispatch = pc.Redispatch
		px.Options.PersistOnDown = pc.PersistOnDown
		px.Options.NoLinger = pc.NoLinger
		px.Options.KeepAlive = pc.KeepAlive
		px.Options.ProxyProtocol = pc.ProxyProtocol
		px.Options.RDPCookie = pc.RDPCookie

		var derr error
		px.Timeouts.Client, derr = parseOptionalDuration(pc.ClientTimeout, derr)
		px.Timeouts.Server, derr = parseOptionalDuration(pc.ServerTimeout, derr)
		px.Timeouts.Connect, derr = parseOptionalDuration(pc.ConnectTimeout, derr)
		px.Timeouts.Queue, derr = parseOptionalDuration(pc.QueueTimeout, derr)
		if derr != nil {
			return nil, derr
		}

		for _, sc := range pc.Servers {
			addr, err := net.ResolveTCPAddr("tcp", sc.Addr)
			if err != nil {
				return nil, err
			}
			srv := proxy.NewServer(sc.Name, addr, sc.MaxConn)
			srv.Retries = sc.Retries
			srv.Weight = sc.Weight
			srv.SourceIface = sc.SourceIface
			px.Servers = append(px.Servers, srv)
		}

		for _, line := range pc.Directives {
			d, err := config.ParseDirective(line)
			if err != nil {
				return nil, err
			}
			switch d.Kind {
			case config.DirInspectDelay:
				px.Timeouts.Inspect = d.Delay
			case config.DirContentAccept, config.DirContentReject:
				rule := proxy.TCPInspectRule{Reject: d.Reject}
				if d.ACLName != "" {
					cond, ok := conditions[d.ACLName]
					if !ok {
						log.Println(color.RedString("proxy %s: unknown acl %q, rule always matches", pc.Name, d.ACLName))
						cond = conditions["TRUE"]
					}
					resolved := *cond
					if d.Negate {
						resolved.Polarity = acl.PolarityUnless
					}
					rule.Cond = &resolved
				} else {
					cond := *conditions["TRUE"]
					rule.Cond = &cond
				}
				px.InspectRules = append(px.InspectRules, rule)
			}
		}

		proxies[pc.Name] = px
	}

	return proxies, nil
}

func parseOptionalDuration(s string, prevErr error) (time.Duration, error) {
	if prevErr != nil {
		return 0, prevErr
	}
	if s == "" {
		return 0, nil
	}
	return config.ParseDuration(s)
}

// newSession builds a Session over an accepted connection, wires its
// analyser chain from the frontend/backend configuration, and schedules it.
func newSession(id uint64, fe, be *proxy.Proxy, conn net.Conn, sc *sched.Scheduler, quiet bool) {
	reqBuf := xbuffer.New(16384)
	respBuf := xbuffer.New(16384)
	clientSI := streamif.New(reqBuf, respBuf, streamif.VariantSocket, streamif.NewSocketOps())
	clientSI.Conn = conn

	s := session.New(id, fe, be, clientSI, reqBuf, respBuf, sc)
	wireAnalysers(s, fe, be)

	// reqBuf carries the connect timeout phaseFAss reads when dialing the
	// backend, so a hung server can actually reach CER/CONN_TO instead of
	// blocking the dial indefinitely (spec §4.3 Phase C).
	reqBuf.SetTimeouts(be.Timeouts.Connect, 0, 0)

	if fe.Timeouts.Inspect > 0 {
		reqBuf.SetAnalyseExpiry(time.Now().Add(fe.Timeouts.Inspect))
	}

	s.OnClose = func(sess *session.Session) {
		if !quiet {
			log.Printf("session %d closed class=%v stage=%v", sess.ID, sess.ErrClass, sess.FinStage)
		}
	}

	sc.Schedule(s)
}

// wireAnalysers registers every analyser this session's frontend/backend
// configuration calls for; the chain runs them by ordinal bit whatever the
// registration order (spec §4.5).
func wireAnalysers(s *session.Session, fe, be *proxy.Proxy) {
	ctxFn := func() *acl.EvalContext { return s.ACLContext(true) }
	expired := func() bool {
		exp := s.ReqBuf.AnalyseExpiry()
		return !exp.IsZero() && !time.Now().Before(exp)
	}

	if fe.Options.ProxyProtocol {
		s.ReqBuf.AnalyserMask |= uint32(analyser.BitDecodeProxyLine)
		s.ReqChain.Register(analyser.BitDecodeProxyLine, analyser.NewProxyLineDecoder(
			func(analyser.ParsedProxyLine) {},
			func() {
				fe.Counters.Inc(&fe.Counters.FailedReq)
				s.Abort(xerrors.ClassPrxCond, xerrors.FinRequest)
			},
		))
	}

	if len(fe.InspectRules) > 0 {
		rules := make([]analyser.InspectRule, len(fe.InspectRules))
		for i, r := range fe.InspectRules {
			rules[i] = analyser.InspectRule{Cond: r.Cond, Reject: r.Reject}
		}
		s.ReqBuf.AnalyserMask |= uint32(analyser.BitTCPInspect)
		s.ReqChain.Register(analyser.BitTCPInspect, analyser.NewTCPInspect(rules, ctxFn, expired, func() {
			fe.Counters.Inc(&fe.Counters.DeniedReq)
			s.Abort(xerrors.ClassPrxCond, xerrors.FinRequest)
		}))
	}

	if len(fe.SwitchingRules) > 0 {
		rules := make([]analyser.SwitchRule, len(fe.SwitchingRules))
		for i, r := range fe.SwitchingRules {
			target := r.Target
			rules[i] = analyser.SwitchRule{Cond: r.Cond, Switch: func() { s.BE = target }}
		}
		s.ReqBuf.AnalyserMask |= uint32(analyser.BitSwitchingRules)
		s.ReqChain.Register(analyser.BitSwitchingRules, analyser.NewSwitching(rules, ctxFn, expired))
	}

	if len(be.StickingRules) > 0 {
		entries := make([]analyser.StickEntry, len(be.StickingRules))
		for i, r := range be.StickingRules {
			table := r.Table
			entries[i] = analyser.StickEntry{
				Table: table,
				Key:   func() (string, bool) { return clientKey(s) },
				Apply: func(srv *proxy.Server) {
					s.Sticky = srv
					s.ForcePersist = be.Options.PersistOnDown
				},
			}
		}
		s.ReqBuf.AnalyserMask |= uint32(analyser.BitStickingRules)
		s.ReqChain.Register(analyser.BitStickingRules, analyser.NewSticking(entries))
	}

	if be.Options.RDPCookie && len(be.Servers) > 0 {
		s.ReqBuf.AnalyserMask |= uint32(analyser.BitRDPCookiePersist)
		s.ReqChain.Register(analyser.BitRDPCookiePersist, analyser.NewRDPCookiePersist(
			"mstshash",
			func() []*proxy.Server { return be.Servers },
			func() bool { return s.Sticky != nil },
			func(srv *proxy.Server) {
				s.Sticky = srv
				s.ForcePersist = true
			},
		))
	}
}

func clientKey(s *session.Session) (string, bool) {
	if s.ClientSI == nil || s.ClientSI.Conn == nil {
		return "", false
	}
	return s.ClientSI.Conn.RemoteAddr().String(), true
}

func checkError(err error) {
	if err != nil {
		log.Printf("%+v\n", err)
		os.Exit(1)
	}
}

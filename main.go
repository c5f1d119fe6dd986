package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/term"

	"github.com/zsprackett/prd-relay/internal/apiclient"
	"github.com/zsprackett/prd-relay/internal/applog"
	"github.com/zsprackett/prd-relay/internal/auth"
	"github.com/zsprackett/prd-relay/internal/cancel"
	"github.com/zsprackett/prd-relay/internal/config"
	"github.com/zsprackett/prd-relay/internal/db"
	"github.com/zsprackett/prd-relay/internal/events"
	"github.com/zsprackett/prd-relay/internal/notify"
	"github.com/zsprackett/prd-relay/internal/presence"
	"github.com/zsprackett/prd-relay/internal/relay"
	"github.com/zsprackett/prd-relay/internal/webserver"
)

const usage = `usage: prd-relay [command]

commands:
  serve                        run the UI bridge (default)
  login <username>             log in and store the session
  logout                       forget the stored session
  ask <sessionId> <text...>    send a chat message and print the reply
  follow <groupId> [afterSeq]  print a group's message feed until interrupted
  history [n]                  list recent streams
  ping [url]                   check that the backend is reachable
`

func openDB() (*db.DB, error) {
	dbPath := config.DBPath()
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, err
	}
	store, err := db.Open(dbPath)
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}

// app holds everything a command needs.
type app struct {
	cfg    config.Config
	cfgMu  sync.Mutex
	logger *slog.Logger
	store  *db.DB
	api    *apiclient.Client
	auth   *auth.Store
	relay  *relay.Relay
}

// historyRecorder stores finished runs and trims the table to keep rows.
type historyRecorder struct {
	store  *db.DB
	keep   int
	logger *slog.Logger
}

func (h historyRecorder) RecordRun(r db.StreamRun) error {
	if err := h.store.RecordRun(r); err != nil {
		return err
	}
	if h.keep > 0 {
		if _, err := h.store.PruneRuns(h.keep); err != nil {
			h.logger.Warn("failed to prune stream history", "err", err)
		}
	}
	return nil
}

func setup(mirrorLogs bool) (*app, func()) {
	cfgPath := config.DefaultPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: could not load config: %v\n", err)
		cfg = config.Defaults()
	}
	if _, err := config.EnsureClientID(cfgPath, &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "warning: could not persist client id: %v\n", err)
	}

	initCfg := applog.InitConfig{LogDir: cfg.LogDir, LogLevel: cfg.LogLevel}
	if mirrorLogs || cfg.IsDeveloper {
		initCfg.Mirror = os.Stderr
	}
	closers := []func(){}
	logger, rotator, err := applog.Init(initCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: could not init log file: %v\n", err)
		logger = slog.Default()
	} else {
		closers = append(closers, func() { rotator.Close() })
	}

	store, err := openDB()
	if err != nil {
		fatal("could not open database: %v", err)
	}
	closers = append(closers, func() { store.Close() })

	api := apiclient.New(cfg.APIBaseURL, cfg.ClientID)
	authStore := auth.NewStore(api, logger.With("component", "auth"))
	authStore.SetPersister(store)

	rel := relay.New(api, authStore, cancel.NewRegistry(), relay.Options{
		Recorder: historyRecorder{store: store, keep: cfg.HistoryLimit, logger: logger},
		Logger:   logger.With("component", "relay"),
	})

	a := &app{
		cfg:    cfg,
		logger: logger,
		store:  store,
		api:    api,
		auth:   authStore,
		relay:  rel,
	}
	return a, func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
}

// restoreSession loads the persisted session, if any, into the auth store.
func (a *app) restoreSession() bool {
	sess, ok, err := a.store.LoadSession()
	if err != nil {
		a.logger.Warn("failed to load stored session", "err", err)
		return false
	}
	if !ok {
		return false
	}
	a.auth.SetSession(sess)
	return true
}

func (a *app) saveBaseURL(u string) error {
	a.cfgMu.Lock()
	defer a.cfgMu.Unlock()
	a.cfg.APIBaseURL = u
	return config.Update(config.DefaultPath(), func(c *config.Config) { c.APIBaseURL = u })
}

func main() {
	cmd, args := "serve", []string(nil)
	if len(os.Args) > 1 {
		cmd, args = os.Args[1], os.Args[2:]
	}

	switch cmd {
	case "serve":
		runServe(args)
	case "login":
		runLogin(args)
	case "logout":
		runLogout()
	case "ask":
		runAsk(args)
	case "follow":
		runFollow(args)
	case "history":
		runHistory(args)
	case "ping":
		runPing(args)
	case "help", "-h", "--help":
		fmt.Print(usage)
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
}

func runServe(args []string) {
	verbose := len(args) > 0 && (args[0] == "-v" || args[0] == "--verbose")
	a, closeAll := setup(verbose)
	defer closeAll()

	hb := presence.New(a.api, a.auth, time.Duration(a.cfg.HeartbeatInterval)*time.Second, a.logger.With("component", "presence"))
	a.auth.SetHeartbeat(hb)
	if a.restoreSession() {
		a.logger.Info("restored stored session", "user", a.auth.Session().UserID)
	}

	notifier := notify.New(notify.Config(a.cfg.Notifications), a.logger.With("component", "notify"))
	srv := webserver.New(webserver.Config{
		Enabled: a.cfg.Bridge.Enabled,
		Host:    a.cfg.Bridge.Host,
		Port:    a.cfg.Bridge.Port,
		Token:   a.cfg.Bridge.Token,
	}, webserver.Deps{
		Relay:       a.relay,
		Auth:        a.auth,
		API:         a.api,
		Runs:        a.store,
		Sink:        notifier,
		SaveBaseURL: a.saveBaseURL,
		Logger:      a.logger.With("component", "bridge"),
	})
	addr, err := srv.Start()
	if err != nil {
		fatal("could not start bridge: %v", err)
	}
	if addr != "" {
		fmt.Fprintf(os.Stderr, "bridge listening on http://%s\n", addr)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	a.logger.Info("shutting down")

	a.relay.CancelAll()
	a.relay.Wait()
	hb.Stop()
	notifier.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("bridge shutdown", "err", err)
	}
}

func runLogin(args []string) {
	a, closeAll := setup(false)
	defer closeAll()

	username := ""
	if len(args) > 0 {
		username = strings.TrimSpace(args[0])
	} else if last, _ := a.store.GetMeta("last_user"); last != "" {
		username = last
	}
	if username == "" {
		fatal("usage: prd-relay login <username>")
	}

	fmt.Printf("Password for %s: ", username)
	pw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		fatal("%v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	resp, err := a.auth.Login(ctx, username, string(pw))
	if err != nil {
		fatal("login failed: %v", err)
	}
	if err := a.store.SetMeta("last_user", username); err != nil {
		a.logger.Warn("failed to remember user", "err", err)
	}
	name := resp.User.DisplayName
	if name == "" {
		name = resp.User.Username
	}
	fmt.Printf("Logged in as %s\n", name)
}

func runLogout() {
	a, closeAll := setup(false)
	defer closeAll()
	a.auth.ClearSession()
	fmt.Println("Logged out")
}

// stream runs req in the foreground, printing to the terminal, and cancels
// it on interrupt.
func (a *app) stream(req relay.Request) db.StreamRun {
	if !a.restoreSession() {
		fatal("not logged in: run `prd-relay login <username>` first")
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		a.relay.Cancel(string(req.Kind))
	}()
	return a.relay.Run(ctx, req, events.NewConsole(os.Stdout, os.Stderr))
}

func exitFor(run db.StreamRun) {
	switch run.Outcome {
	case relay.OutcomeError, relay.OutcomeAuthExpired:
		os.Exit(1)
	}
}

func runAsk(args []string) {
	if len(args) < 2 {
		fatal("usage: prd-relay ask <sessionId> <text...>")
	}
	req, err := relay.SendMessage(args[0], strings.Join(args[1:], " "), relay.MessageOptions{})
	if err != nil {
		fatal("%v", err)
	}
	a, closeAll := setup(false)
	run := a.stream(req)
	closeAll()
	exitFor(run)
}

func runFollow(args []string) {
	if len(args) < 1 {
		fatal("usage: prd-relay follow <groupId> [afterSeq]")
	}
	var after int64
	if len(args) > 1 {
		n, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			fatal("invalid afterSeq %q", args[1])
		}
		after = n
	}
	req, err := relay.SubscribeGroup(args[0], after)
	if err != nil {
		fatal("%v", err)
	}
	a, closeAll := setup(false)
	run := a.stream(req)
	closeAll()
	exitFor(run)
}

func runHistory(args []string) {
	limit := 20
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n <= 0 {
			fatal("invalid count %q", args[0])
		}
		limit = n
	}
	a, closeAll := setup(false)
	defer closeAll()

	runs, err := a.store.RecentRuns(limit)
	if err != nil {
		fatal("%v", err)
	}
	if len(runs) == 0 {
		fmt.Println("No streams yet")
		return
	}
	for _, r := range runs {
		line := fmt.Sprintf("%-14s %-8s %-12s %-24s %6d events %8s  %s",
			humanize.Time(r.StartedAt), r.Kind, r.Outcome, r.Target, r.Events,
			humanize.Bytes(uint64(r.Bytes)), r.Duration().Round(time.Millisecond))
		if r.Error != "" {
			line += "  " + r.Error
		}
		fmt.Println(line)
	}
}

func runPing(args []string) {
	a, closeAll := setup(false)
	defer closeAll()

	target := ""
	if len(args) > 0 {
		target = args[0]
	}
	h := a.api.CheckHealth(context.Background(), target)
	if !h.OK {
		fatal("%s", h.Error)
	}
	fmt.Printf("%s: %s (%s)\n", firstNonEmpty(target, a.api.BaseURL()), h.Status, h.Latency.Round(time.Millisecond))
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/planning-poker/go/clients"
	"github.com/mcdev12/planning-poker/go/internal/roomsync"
	"github.com/mcdev12/planning-poker/go/internal/roomsync/action"
	"github.com/mcdev12/planning-poker/go/internal/roomsync/channel"
	"github.com/mcdev12/planning-poker/go/internal/roomsync/channel/ablychannel"
	"github.com/mcdev12/planning-poker/go/internal/roomsync/channel/natschannel"
	"github.com/mcdev12/planning-poker/go/internal/roomsync/channel/wschannel"
	"github.com/mcdev12/planning-poker/go/internal/roomsync/health"
	"github.com/mcdev12/planning-poker/go/internal/roomsync/leave"
	"github.com/mcdev12/planning-poker/go/internal/roomsync/wire"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	flagUserID    string
	flagUsername  string
	flagSpectator bool
	flagTransport string
	flagAPIURL    string
	flagRecovery  string
	flagLogLevel  string
)

var joinCmd = &cobra.Command{
	Use:   "join <room-id>",
	Short: "Join a room and stay connected until you leave",
	Long: `Join a planning-poker room. Type commands on stdin:

  vote <value>   cast a vote
  reveal         reveal all votes
  reset          start a new round
  who            list members present
  status         show connection health
  leave          leave the room and exit`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(flagConfigPath)
		if err != nil {
			return err
		}
		if len(args) == 1 {
			roomID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid room id %q: %w", args[0], err)
			}
			cfg.Session.RoomID = roomID
		}
		applyFlags(cmd, &cfg)
		if cfg.Session.UserID == "" {
			cfg.Session.UserID = uuid.NewString()
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		zerolog.SetGlobalLevel(parseLevel(cfg.LogLevel))
		return runJoin(cmd.Context(), cfg, os.Stdin, os.Stdout)
	},
}

func init() {
	f := joinCmd.Flags()
	f.StringVarP(&flagUserID, "user", "u", "", "participant id (default: random uuid)")
	f.StringVarP(&flagUsername, "name", "n", "", "display name")
	f.BoolVar(&flagSpectator, "spectator", false, "join without voting")
	f.StringVarP(&flagTransport, "transport", "t", "", "channel transport: ws, nats or ably")
	f.StringVar(&flagAPIURL, "api", "", "room API base URL for leave beacons and http actions")
	f.StringVar(&flagRecovery, "recovery", "", "stale connection recovery: reconnect or restart")
	f.StringVar(&flagLogLevel, "log-level", "", "log level (debug, info, warn, error)")
}

func applyFlags(cmd *cobra.Command, cfg *Config) {
	flags := cmd.Flags()
	if flags.Changed("user") {
		cfg.Session.UserID = flagUserID
	}
	if flags.Changed("name") {
		cfg.Session.Username = flagUsername
	}
	if flags.Changed("spectator") {
		cfg.Session.Spectator = flagSpectator
	}
	if flags.Changed("transport") {
		cfg.Transport = flagTransport
	}
	if flags.Changed("api") {
		cfg.APIBaseURL = flagAPIURL
	}
	if flags.Changed("recovery") {
		cfg.Recovery = flagRecovery
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = flagLogLevel
	}
}

func channelFactory(cfg Config, clock clockwork.Clock) (channel.Factory, error) {
	participant := cfg.Session.Participant()
	switch cfg.Transport {
	case transportNATS:
		return natschannel.NewFactory(participant, cfg.natsConfig(), clock), nil
	case transportAbly:
		return ablychannel.NewFactory(participant, cfg.ablyConfig(), clock), nil
	default:
		codec, err := wire.Lookup(cfg.WebSocket.Codec)
		if err != nil {
			return nil, err
		}
		wc := cfg.wsConfig()
		wc.Codec = codec
		return wschannel.NewFactory(wc, clock), nil
	}
}

func runJoin(parent context.Context, cfg Config, in io.Reader, out io.Writer) error {
	if parent == nil {
		parent = context.Background()
	}
	clock := clockwork.NewRealClock()
	api := clients.NewBaseClient(cfg.APIBaseURL)
	beacon := leave.NewHTTPBeacon(api)
	unload := leave.NewSignalUnload()

	factory, err := channelFactory(cfg, clock)
	if err != nil {
		return err
	}

	deps := roomsync.Deps{
		Channel: factory,
		Beacon:  beacon,
		Unload:  unload,
		Clock:   clock,
		OnMessage: func(msg channel.Message) {
			fmt.Fprintf(out, "[%s] %s %s\n", msg.From, msg.Name, msg.Data)
		},
		OnWarning: func(silence time.Duration) {
			fmt.Fprintf(out, "no word from the room for %s, reconnecting soon\n", silence.Round(time.Second))
		},
	}

	if cfg.ActionsVia == viaHTTP {
		deps.Dispatcher = action.NewHTTPDispatcher(api)
	}
	switch cfg.HeartbeatVia {
	case viaHTTP:
		deps.Heartbeater = action.NewHTTPHeartbeater(api)
	case viaRedis:
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("invalid redis url: %w", err)
		}
		rdb := redis.NewClient(opt)
		defer rdb.Close()
		deps.Heartbeater = action.NewRedisHeartbeater(rdb, cfg.Redis.LeaseTTL, clock)
	}
	if cfg.Recovery == recoverRestart {
		restart := health.NewRestartRecoverer()
		restart.Before = func(ctx context.Context) {
			flushCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			defer cancel()
			beacon.Flush(flushCtx)
		}
		deps.Recoverer = restart
	}

	sess, err := roomsync.New(cfg.Session, deps)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	log.Info().
		Int64("room_id", cfg.Session.RoomID).
		Str("user_id", cfg.Session.UserID).
		Str("transport", cfg.Transport).
		Msg("joining room")
	if err := sess.Start(ctx); err != nil {
		sess.End()
		return fmt.Errorf("failed to join room: %w", err)
	}
	// registered after the session's leave handler so the leave goes out first
	removeShutdown := unload.OnUnload(cancel)
	defer removeShutdown()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return readCommands(gctx, sess, in, out, cancel)
	})
	g.Go(func() error {
		reportHealth(gctx, sess, clock)
		return nil
	})
	runErr := g.Wait()

	if err := sess.End(); err != nil {
		log.Warn().Err(err).Msg("error closing room channel")
	}
	flushCtx, flushCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer flushCancel()
	if err := beacon.Flush(flushCtx); err != nil {
		log.Warn().Err(err).Msg("leave beacon did not finish")
	}
	log.Info().Msg("left room")
	return runErr
}

// readCommands applies stdin commands until leave, EOF on a closed session or ctx
func readCommands(ctx context.Context, sess *roomsync.Session, in io.Reader, out io.Writer, stop context.CancelFunc) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				// stdin closed; keep the session alive until a signal arrives
				lines = nil
				continue
			}
			if done := runCommand(ctx, sess, line, out); done {
				stop()
				return nil
			}
		}
	}
}

// runCommand executes one command line and reports whether the user left
func runCommand(ctx context.Context, sess *roomsync.Session, line string, out io.Writer) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	switch strings.ToLower(fields[0]) {
	case "vote":
		if len(fields) != 2 {
			fmt.Fprintln(out, "usage: vote <value>")
			return false
		}
		sess.Vote(ctx, fields[1])
	case "reveal":
		sess.Reveal(ctx)
	case "reset":
		sess.Reset(ctx)
	case "who":
		for _, m := range sess.Store().Members() {
			role := "voter"
			if m.Spectator {
				role = "spectator"
			}
			fmt.Fprintf(out, "%s (%s) %s\n", m.Username, m.UserID, role)
		}
	case "status":
		snap := sess.Store().Snapshot()
		fmt.Fprintf(out, "state=%s health=%s last_pong=%s last_heartbeat=%s\n",
			snap.ConnectionState, sess.Health(),
			snap.LastPongReceived.Format(time.RFC3339), snap.LastHeartbeat.Format(time.RFC3339))
	case "leave", "quit", "exit":
		if err := sess.Leave(ctx); err != nil {
			log.Warn().Err(err).Msg("leave failed")
		}
		return true
	default:
		fmt.Fprintf(out, "unknown command %q\n", fields[0])
	}
	return false
}

// reportHealth logs the verdict whenever it changes
func reportHealth(ctx context.Context, sess *roomsync.Session, clock clockwork.Clock) {
	ticker := clock.NewTicker(5 * time.Second)
	defer ticker.Stop()

	last := health.Healthy
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if v := sess.Health(); v != last {
				log.Info().Str("from", last.String()).Str("to", v.String()).Msg("connection health changed")
				last = v
			}
		}
	}
}

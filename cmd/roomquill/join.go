package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"roomquill/core/qlog"
	"roomquill/internal/config"
	"roomquill/internal/metrics"
	"roomquill/luvtext/awareness"
	"roomquill/luvtext/common"
	"roomquill/luvtext/editor"
	"roomquill/luvtext/room"
	"roomquill/luvtext/roomstorage"
)

var errQuit = errors.New("quit")

func newJoinCmd(cfg *config.Config) *cobra.Command {
	var (
		roomID   string
		uid      string
		readOnly bool
	)

	cmd := &cobra.Command{
		Use:   "join",
		Short: "Join a Redis backed room and edit from stdin",
		Long: `Join a room and read editing commands from stdin:

  insert <index> <text>
  delete <index> <length>
  select <index> <length>
  clear
  text
  cursors
  quit`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if roomID != "" {
				cfg.Room.ID = roomID
			}
			if uid != "" {
				cfg.Room.UID = uid
			}
			if readOnly {
				cfg.Room.Writable = false
			}
			return runJoin(cmd.Context(), cfg, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&roomID, "room", "", "room id (env ROOMQUILL_ROOM)")
	cmd.Flags().StringVar(&uid, "uid", "", "user id (env ROOMQUILL_UID)")
	cmd.Flags().BoolVar(&readOnly, "read-only", false, "join without write access")
	return cmd
}

func runJoin(parent context.Context, cfg *config.Config, in io.Reader, out io.Writer) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := qlog.Named("cli")
	if cfg.Room.UID == "" {
		cfg.Room.UID = common.ShortID()
	}

	// Redis 클라이언트 연결
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer client.Close()
	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}

	reg := prometheus.NewRegistry()
	if err := metrics.Register(reg); err != nil {
		return err
	}

	loop := room.NewLoop()
	self := room.Member{
		Payload:     room.Payload{UID: cfg.Room.UID, NickName: cfg.Room.NickName},
		MemberState: room.MemberState{StrokeColor: cfg.Room.StrokeColor},
	}
	roomOpts := []room.RedisRoomOption{
		room.WithKeyPrefix(cfg.Redis.KeyPrefix),
		room.WithMemberTTL(config.Duration(cfg.Room.MemberTTL)),
		room.WithHeartbeatInterval(config.Duration(cfg.Room.HeartbeatInterval)),
		room.WithPollInterval(config.Duration(cfg.Room.PollInterval)),
	}
	if cfg.Storage.Backend == "mongo" {
		factory, disconnect, err := mongoStorageFactory(ctx, cfg)
		if err != nil {
			return err
		}
		defer disconnect()
		roomOpts = append(roomOpts, room.WithStorageFactory(factory))
	}

	rm, err := room.NewRedisRoom(client, cfg.Room.ID, self, cfg.Room.Writable, loop, roomOpts...)
	if err != nil {
		return err
	}
	if err := rm.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := rm.Close(); err != nil {
			logger.Warn("failed to close room", zap.Error(err))
		}
	}()

	// 루프가 시작되기 전이므로 에디터 생성은 이 고루틴에서 해도 안전합니다
	e, err := editor.New(rm,
		editor.WithOptimizeAt(cfg.Sync.OptimizeAt),
		editor.WithFlagTimeout(config.Duration(cfg.Sync.FlagTimeout)),
	)
	if err != nil {
		return err
	}

	logger.Info("joined room",
		zap.String("room", cfg.Room.ID),
		zap.String("uid", cfg.Room.UID),
		zap.Bool("writable", cfg.Room.Writable),
		zap.Int("length", len([]rune(e.Text()))),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return loop.Run(gctx)
	})

	if cfg.Metrics.Addr != "" {
		srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: metrics.Handler(reg, logger, debugRoutes(loop, e))}

		g.Go(func() error {
			logger.Info("metrics listening", zap.String("addr", cfg.Metrics.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	// stdin은 취소할 수 없어서 errgroup 밖에서 읽습니다
	quit := make(chan struct{})
	go func() {
		defer close(quit)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			var cmdErr error
			if err := loop.Do(gctx, func() { cmdErr = execute(e, scanner.Text(), out) }); err != nil {
				return
			}
			if errors.Is(cmdErr, errQuit) {
				return
			}
			if cmdErr != nil {
				fmt.Fprintf(out, "error: %v\n", cmdErr)
			}
		}
	}()

	g.Go(func() error {
		select {
		case <-quit:
			stop()
		case <-gctx.Done():
		}
		return nil
	})

	err = g.Wait()
	e.Destroy()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	logger.Info("left room", zap.String("room", cfg.Room.ID))
	return err
}

// debugRoutes exposes the editor state. Reads run on the room loop.
func debugRoutes(loop *room.Loop, e *editor.Editor) func(chi.Router) {
	views := map[string]func() any{
		"text": func() any {
			return map[string]any{"text": e.Text(), "log_size": e.Vector().Size()}
		},
		"cursors":   func() any { return e.Overlay().Cursors() },
		"selection": func() any { return e.Selection() },
	}
	return func(r chi.Router) {
		r.Get("/debug/{view}", func(w http.ResponseWriter, req *http.Request) {
			view, ok := views[chi.URLParam(req, "view")]
			if !ok {
				http.NotFound(w, req)
				return
			}
			var body any
			if err := loop.Do(req.Context(), func() { body = view() }); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(body)
		})
	}
}

// mongoStorageFactory connects to MongoDB and returns a factory for room namespaces.
func mongoStorageFactory(ctx context.Context, cfg *config.Config) (room.StorageFactory, func(), error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.Mongo.URI))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	disconnect := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = client.Disconnect(shutdownCtx)
	}
	if err := client.Ping(ctx, nil); err != nil {
		disconnect()
		return nil, nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	coll := client.Database(cfg.Mongo.Database).Collection(cfg.Mongo.Collection)
	factory := func(ctx context.Context, namespace string, poster roomstorage.Poster) (roomstorage.Storage, error) {
		s, err := roomstorage.NewMongoStorage(ctx, coll, roomstorage.HashKey(cfg.Redis.KeyPrefix, cfg.Room.ID, namespace), poster)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return factory, disconnect, nil
}

// execute runs one stdin command against the editor.
func execute(e *editor.Editor, line string, out io.Writer) error {
	fields := strings.SplitN(strings.TrimSpace(line), " ", 3)
	if fields[0] == "" {
		return nil
	}

	ints := func(n int) ([]int, error) {
		if len(fields) < n+1 {
			return nil, fmt.Errorf("%s: want %d arguments", fields[0], n)
		}
		vals := make([]int, n)
		for i := range vals {
			v, err := strconv.Atoi(fields[i+1])
			if err != nil {
				return nil, fmt.Errorf("%s: %w", fields[0], err)
			}
			vals[i] = v
		}
		return vals, nil
	}

	switch fields[0] {
	case "insert":
		if len(fields) < 3 {
			return errors.New("insert: want <index> <text>")
		}
		index, err := strconv.Atoi(fields[1])
		if err != nil {
			return fmt.Errorf("insert: %w", err)
		}
		return e.Insert(index, fields[2])
	case "delete":
		vals, err := ints(2)
		if err != nil {
			return err
		}
		return e.Delete(vals[0], vals[1])
	case "select":
		vals, err := ints(2)
		if err != nil {
			return err
		}
		return e.SetSelection(&awareness.Range{Index: vals[0], Length: vals[1]}, awareness.SourceUser)
	case "clear":
		return e.SetSelection(nil, awareness.SourceUser)
	case "text":
		fmt.Fprintf(out, "%q\n", e.Text())
		return nil
	case "cursors":
		for _, c := range e.Overlay().Cursors() {
			fmt.Fprintln(out, formatCursor(c))
		}
		return nil
	case "quit", "exit":
		return errQuit
	default:
		return fmt.Errorf("unknown command %q", fields[0])
	}
}

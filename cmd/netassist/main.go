// Command netassist runs one debugging connection from a profile or flags.
// Stdin lines are sent on the connection and every logged message is printed
// to stdout as a JSON line.
package main

import (
	"bufio"
	"context"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/Zereker/netassist"
	"github.com/Zereker/netassist/internal/logging"
)

func main() {
	f, err := parseFlags(os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		os.Exit(2)
	}
	if err := run(f); err != nil {
		fmt.Fprintln(os.Stderr, "netassist:", err)
		os.Exit(1)
	}
}

// record is the printed form of a Message.
type record struct {
	Connection netassist.ConnectionID   `json:"connection_id"`
	Client     netassist.ClientIdentity `json:"client_identity,omitempty"`
	Direction  netassist.Direction      `json:"direction"`
	Origin     netassist.Origin         `json:"origin"`
	Payload    string                   `json:"payload"`
	Timestamp  int64                    `json:"timestamp"`
}

type printer struct {
	mu    sync.Mutex
	enc   *json.Encoder
	hexIO bool
}

func (p *printer) print(m netassist.Message) {
	payload := string(m.Payload)
	if p.hexIO {
		payload = hex.EncodeToString(m.Payload)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	_ = p.enc.Encode(record{
		Connection: m.ConnectionID,
		Client:     m.Client,
		Direction:  m.Direction,
		Origin:     m.Origin,
		Payload:    payload,
		Timestamp:  m.Timestamp,
	})
}

func run(f *flags) error {
	zl := logging.New(logging.Config{Level: f.logLevel, JSON: f.logJSON, File: f.logFile})
	defer func() { _ = zl.Sync() }()
	logger := logging.Adapt(zl)

	cfg, err := f.connection()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var metrics *netassist.Metrics
	if f.metricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		if metrics, err = netassist.NewMetrics(reg); err != nil {
			return err
		}
		srv := serveMetrics(f.metricsAddr, reg, zl)
		defer func() { _ = srv.Close() }()
	}

	out := &printer{enc: json.NewEncoder(os.Stdout), hexIO: f.hexIO}
	sup := netassist.NewSupervisor(
		netassist.SupervisorLoggerOption(logger),
		netassist.SupervisorMetricsOption(metrics),
		netassist.SupervisorMessageOption(out.print),
		netassist.SupervisorEventOption(func(ev netassist.Event) {
			switch ev.Type {
			case netassist.EventClientConnected, netassist.EventClientDisconnected:
				logger.Info(ev.Type.String(), "client", ev.Client)
			case netassist.EventStateChanged:
				logger.Debug("state changed", "state", ev.State)
			}
		}),
	)

	id, err := sup.Create(cfg)
	if err != nil {
		return err
	}
	if err := sup.Start(ctx, id); err != nil {
		return err
	}

	stdinDone := make(chan struct{})
	go func() {
		defer close(stdinDone)
		if err := pump(ctx, os.Stdin, f, sup, id); err != nil {
			logger.Warn("stdin stopped", "error", err)
		}
	}()

	select {
	case <-ctx.Done():
	case <-stdinDone:
		if f.linger >= 0 {
			select {
			case <-ctx.Done():
			case <-time.After(f.linger):
			}
		} else {
			<-ctx.Done()
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if f.selectClient != "" {
		if err := sup.SelectClient(shutdownCtx, id, netassist.ClientIdentity(f.selectClient)); err != nil {
			return err
		}
	}
	if err := sup.Close(shutdownCtx, id); err != nil {
		return err
	}
	if err := dump(shutdownCtx, os.Stderr, sup, id); err != nil {
		return err
	}
	return sup.Shutdown(shutdownCtx)
}

// pump sends stdin lines until EOF or ctx is done.
func pump(ctx context.Context, r io.Reader, f *flags, sup *netassist.Supervisor, id netassist.ConnectionID) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		line := scanner.Text()
		if line == "" {
			continue
		}

		payload, err := f.payload(line)
		if err != nil {
			return err
		}
		if err := sup.Send(ctx, id, payload, netassist.ClientIdentity(f.target)); err != nil {
			if errors.Is(err, netassist.ErrNoClients) || errors.Is(err, netassist.ErrUnknownClient) {
				fmt.Fprintln(os.Stderr, "netassist:", err)
				continue
			}
			return err
		}
	}
	return scanner.Err()
}

// dump writes the counters and the filtered view of id.
func dump(ctx context.Context, w io.Writer, sup *netassist.Supervisor, id netassist.ConnectionID) error {
	router := sup.Router()

	stats, err := router.Stats(ctx, id)
	if err != nil {
		return err
	}
	selected, err := router.Selected(ctx, id)
	if err != nil {
		return err
	}
	view, err := router.View(ctx, id)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(w)
	return enc.Encode(struct {
		Stats    netassist.Stats          `json:"stats"`
		Selected netassist.ClientIdentity `json:"selected,omitempty"`
		Shown    int                      `json:"shown"`
	}{stats, selected, len(view)})
}

func serveMetrics(addr string, reg *prometheus.Registry, zl *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zl.Error("metrics server stopped", zap.Error(err))
		}
	}()
	zl.Info("serving metrics", zap.String("addr", addr))
	return srv
}

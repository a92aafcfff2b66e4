package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/crystaldolphin/pingbridge/internal/bridges"
	"github.com/crystaldolphin/pingbridge/internal/config"
	"github.com/crystaldolphin/pingbridge/internal/dependency"
	"github.com/crystaldolphin/pingbridge/internal/gateway"
)

var (
	servePort    int
	serveVerbose bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the bridges and the webhook server",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Webhook server port (overrides config)")
	serveCmd.Flags().BoolVarP(&serveVerbose, "verbose", "v", false, "Verbose logging")
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	setupLogging(cfg.Log, serveVerbose)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if servePort != 0 {
		cfg.Server.Port = servePort
	}
	if len(cfg.Projects) == 0 {
		fmt.Println("Warning: no projects configured; run `pingbridge onboard` and edit the config")
	}

	c, err := dependency.New(cfg)
	if err != nil {
		return err
	}
	mgr := c.Manager()
	unforward := mgr.ForwardEvents(c.Events())
	defer unforward()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", healthz(mgr))
	routes := mgr.Mount(mux)
	srv := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	fmt.Printf("%s Starting pingbridge on %s...\n", logo, cfg.Server.Addr())
	for _, id := range mgr.ProjectIDs() {
		p, _ := mgr.Project(id)
		fmt.Printf("✓ Project %s: %s\n", id, strings.Join(bridgeNames(p), ", "))
	}
	for _, r := range routes {
		fmt.Printf("  route %s\n", r)
	}

	// Graceful shutdown context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return mgr.Run(gctx) })
	if cfg.Monitor.Enabled {
		g.Go(func() error { return c.Monitor().Start(gctx) })
	}
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("webhook server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	fmt.Printf("%s Running. Press Ctrl+C to stop.\n", logo)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "serve error: %v\n", err)
		return err
	}
	c.Events().Close()
	fmt.Println("\nShutdown complete.")
	return nil
}

func bridgeNames(p *bridges.Project) []string {
	var out []string
	for _, a := range p.Dispatcher.Adapters() {
		out = append(out, fmt.Sprintf("%s (%s)", a.Name(), a.Mode()))
	}
	if len(out) == 0 {
		return []string{"no bridges enabled"}
	}
	return out
}

type healthReport struct {
	Projects map[string]projectHealth `json:"projects"`
}

type projectHealth struct {
	Bridges []string `json:"bridges"`
	Gateway string   `json:"gateway,omitempty"`
}

// healthz reports the configured bridges and the Discord gateway states.
// Any fatal gateway turns the response into a 503.
func healthz(mgr *bridges.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		statuses := mgr.Statuses()
		report := healthReport{Projects: make(map[string]projectHealth)}
		code := http.StatusOK
		for _, id := range mgr.ProjectIDs() {
			p, _ := mgr.Project(id)
			ph := projectHealth{Bridges: bridgeNames(p)}
			if st, ok := statuses[id]; ok {
				ph.Gateway = st.State.String()
				if st.State == gateway.StateFatal {
					code = http.StatusServiceUnavailable
				}
			}
			report.Projects[id] = ph
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(report)
	}
}

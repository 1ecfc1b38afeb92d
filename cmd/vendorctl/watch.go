package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	marketplace "github.com/bjoelf/marketplace-session/adapter"
	"github.com/bjoelf/marketplace-session/adapter/events"
	"github.com/bjoelf/marketplace-session/adapter/metrics"
	"github.com/bjoelf/marketplace-session/adapter/websocket"
	"github.com/spf13/cobra"
)

var watchTenant string

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream live order and notification events as JSON lines",
	Long: `Resumes the stored session, connects to the vendor event stream and
prints every event until interrupted, the session ends or reconnection
gives up.`,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVar(&watchTenant, "tenant", "", "tenant (vendor) id to stream; defaults to the signed-in vendor")
	rootCmd.AddCommand(watchCmd)
}

// eventsClientConfig maps the loaded config onto the event client settings
func eventsClientConfig(c marketplace.EventsConfig) websocket.Config {
	return websocket.Config{
		URL:                  c.URL,
		PathTemplate:         c.PathTemplate,
		BearerAuth:           c.BearerAuth,
		HeartbeatInterval:    c.HeartbeatInterval,
		HeartbeatTimeout:     c.HeartbeatTimeout,
		ReconnectBaseDelay:   c.ReconnectBaseDelay,
		MaxReconnectAttempts: c.MaxReconnectAttempts,
		ReconnectMaxDelay:    c.ReconnectMaxDelay,
	}
}

func runWatch(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	manager, err := resumeManager(ctx)
	if err != nil {
		return err
	}

	tenantID := watchTenant
	if tenantID == "" {
		tenantID = manager.User().TenantID()
	}
	if tenantID == "" {
		return errors.New("no tenant for this account, pass --tenant")
	}

	if cfg.Metrics.Enabled {
		srv := metrics.StartServer(cfg.Metrics.Addr, cfg.Metrics.Path, logger)
		defer func() {
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			srv.Shutdown(shutdownCtx)
		}()
	}

	client := websocket.NewClient(eventsClientConfig(cfg.Events), manager, logger)

	bus := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 64}, watermill.NopLogger{})
	defer bus.Close()

	local := events.NewForwarder(bus, cfg.Events.TopicPrefix, logger)
	if err := startPrinter(ctx, bus, local, cmd.OutOrStdout()); err != nil {
		return err
	}
	local.AttachEvents(client)
	local.AttachSession(manager)
	defer local.Close()

	external, closeExternal, err := newBridgePublisher(ctx, cfg.Bridge)
	if err != nil {
		return err
	}
	defer closeExternal()
	if external != nil {
		bridge := events.NewForwarder(external, cfg.Events.TopicPrefix, logger)
		bridge.AttachEvents(client)
		bridge.AttachSession(manager)
		defer bridge.Close()
	}

	manager.OnSessionEnded(func(e marketplace.SessionEnded) {
		cancel(fmt.Errorf("session ended: %s", e.Reason))
	})
	client.On(websocket.EventError, func(data any) {
		if err, ok := data.(error); ok && errors.Is(err, websocket.ErrReconnectExhausted) {
			cancel(err)
		}
	})

	if err := client.Connect(ctx, tenantID); err != nil {
		logger.Warn("Initial connect failed, retrying in background",
			"function", "runWatch",
			"tenant_id", tenantID,
			"error", err)
	}

	<-ctx.Done()
	client.Disconnect()

	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
		return cause
	}
	return nil
}

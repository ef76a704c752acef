package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/speechie/internal/notify"
	"github.com/book-expert/speechie/internal/player"
	"github.com/book-expert/speechie/internal/protocol"
	"github.com/book-expert/speechie/internal/relay"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
)

const stateWatchInterval = 250 * time.Millisecond

// staticSelection reports the same text for every selection request.
type staticSelection struct {
	text string
}

func (s staticSelection) SelectedText(_ context.Context) (string, error) {
	return s.text, nil
}

type surfaceOptions struct {
	id          string
	text        string
	downloadDir string
}

func newSurfaceCmd(opts *rootOptions) *cobra.Command {
	surfaceOpts := &surfaceOptions{}

	cmd := &cobra.Command{
		Use:   "surface",
		Short: "Host a headless surface and print what it receives",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if surfaceOpts.id == "" {
				surfaceOpts.id = uuid.NewString()
			}

			clientSession, err := opts.connect()
			if err != nil {
				return err
			}
			defer clientSession.close()

			return runSurface(cmd.Context(), clientSession, surfaceOpts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&surfaceOpts.id, flagSurface, "", flagSurfaceDesc)
	cmd.Flags().StringVar(&surfaceOpts.text, flagText, "", flagTextDesc)
	cmd.Flags().StringVar(&surfaceOpts.downloadDir, flagDownload, "", flagDownloadDesc)

	return cmd
}

func runSurface(ctx context.Context, clientSession *session, surfaceOpts *surfaceOptions, out io.Writer) error {
	log := clientSession.log
	playerOpts := player.Options{CloseDelay: player.DefaultCloseDelay, Timeout: relay.DefaultTimeout}

	host := player.NewHost(clientSession.conn, surfaceOpts.id, func() player.MediaElement {
		return player.NewHeadlessMedia(log)
	}, playerOpts, log)

	contentRelay := relay.NewContentRelay(
		clientSession.conn, surfaceOpts.id, staticSelection{text: surfaceOpts.text}, host, relay.DefaultTimeout, log,
	)

	err := contentRelay.Start()
	if err != nil {
		return fmt.Errorf("failed to start surface %s: %w", surfaceOpts.id, err)
	}

	defer func() {
		closeErr := contentRelay.Close()
		if closeErr != nil {
			log.Warn("Failed to close surface %s: %v", surfaceOpts.id, closeErr)
		}
	}()

	subs, err := subscribeHostEvents(clientSession.conn, out)
	if err != nil {
		return err
	}

	defer func() {
		for _, sub := range subs {
			_ = sub.Unsubscribe()
		}
	}()

	fmt.Fprintf(out, "surface %s ready\n", surfaceOpts.id)
	log.Info("Hosting surface %s", surfaceOpts.id)

	watchPlayer(ctx, host, surfaceOpts.downloadDir, out, log)

	return nil
}

// subscribeHostEvents prints notifications and options-page requests.
func subscribeHostEvents(conn *nats.Conn, out io.Writer) ([]*nats.Subscription, error) {
	notificationSub, err := conn.Subscribe(protocol.SubjectNotifications, func(msg *nats.Msg) {
		var event notify.Event
		if json.Unmarshal(msg.Data, &event) != nil {
			return
		}

		if event.Op == notify.OpClear {
			fmt.Fprintf(out, "notification %s cleared\n", event.Notification.ID)

			return
		}

		fmt.Fprintf(out, "notification %s: %s: %s\n", event.Notification.ID, event.Notification.Title, event.Notification.Message)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", protocol.SubjectNotifications, err)
	}

	optionsSub, err := conn.Subscribe(protocol.SubjectOptionsOpen, func(_ *nats.Msg) {
		fmt.Fprintln(out, "options page requested: run `speechie settings set --api-key KEY`")
	})
	if err != nil {
		_ = notificationSub.Unsubscribe()

		return nil, fmt.Errorf("failed to subscribe to %s: %w", protocol.SubjectOptionsOpen, err)
	}

	return []*nats.Subscription{notificationSub, optionsSub}, nil
}

// watchPlayer prints player state changes until ctx is done and downloads
// each newly ready source once when downloadDir is set.
func watchPlayer(ctx context.Context, host *player.Host, downloadDir string, out io.Writer, log *logger.Logger) {
	ticker := time.NewTicker(stateWatchInterval)
	defer ticker.Stop()

	var lastState, lastDownloaded string

	httpClient := &http.Client{Timeout: time.Minute}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		current := host.Current()
		if current == nil {
			if lastState != "" {
				fmt.Fprintln(out, "player closed")

				lastState = ""
			}

			continue
		}

		state, err := current.State()
		if err != nil {
			continue
		}

		description := describe(state)
		if description != lastState {
			fmt.Fprintln(out, description)

			lastState = description
		}

		if downloadDir == "" || state.Phase != player.PhaseReady || state.Source == lastDownloaded {
			continue
		}

		lastDownloaded = state.Source

		path, err := current.Download(ctx, httpClient, downloadDir)
		if err != nil {
			log.Error("Failed to download %s: %v", state.Source, err)

			continue
		}

		fmt.Fprintf(out, "saved %s\n", path)
	}
}

func describe(state player.PlayerViewState) string {
	parts := []string{"player " + string(state.Phase)}
	if state.Message != "" {
		parts = append(parts, state.Message)
	}

	if state.Source != "" {
		parts = append(parts, state.Source)
	}

	return strings.Join(parts, ": ")
}

// Command speechie is the client for a running speechie service. It sends
// commands, edits user settings, reads the audio archive and hosts a headless
// surface.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/speechie/internal/config"
	"github.com/book-expert/speechie/internal/core"
	"github.com/book-expert/speechie/internal/protocol"
	"github.com/book-expert/speechie/internal/settings"
	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
)

// Flag names.
const (
	flagNATSURL  = "nats-url"
	flagLogDir   = "log-dir"
	flagSurface  = "surface"
	flagAPIKey   = "api-key"
	flagVoice    = "voice"
	flagBucket   = "bucket"
	flagText     = "text"
	flagDownload = "download"
	flagTimeout  = "timeout"
	flagOut      = "out"
)

// Flag descriptions.
const (
	flagNATSURLDesc  = "NATS server URL"
	flagLogDirDesc   = "Directory for the client log file"
	flagSurfaceDesc  = "Surface id the command is addressed to"
	flagAPIKeyDesc   = "API key for the synthesis service"
	flagVoiceDesc    = "Voice used for synthesis"
	flagBucketDesc   = "Settings bucket name"
	flagTextDesc     = "Text the surface reports as selected"
	flagDownloadDesc = "Directory to save finished audio into"
	flagTimeoutDesc  = "How long to wait for the command acknowledgement"
	flagOutDesc      = "Directory to write the archived audio into"
	flagArchiveDesc  = "Audio archive bucket name"
)

const (
	logFileName           = "speechie-client.log"
	clientName            = "speechie-client"
	defaultCommandTimeout = 15 * time.Second
)

var (
	errNothingToSet  = errors.New("at least one of --api-key or --voice must be provided")
	errCommandFailed = errors.New("command failed")
)

// rootOptions holds the persistent flag values.
type rootOptions struct {
	natsURL string
	logDir  string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	err := newRootCmd(os.Stdout).ExecuteContext(ctx)

	stop()

	if err != nil {
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	opts := &rootOptions{natsURL: config.DefaultNATSURL, logDir: os.TempDir()}

	rootCmd := &cobra.Command{
		Use:           "speechie",
		Short:         "Client for the speechie text-to-speech service",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.SetOut(out)

	rootCmd.PersistentFlags().StringVar(&opts.natsURL, flagNATSURL, opts.natsURL, flagNATSURLDesc)
	rootCmd.PersistentFlags().StringVar(&opts.logDir, flagLogDir, opts.logDir, flagLogDirDesc)

	rootCmd.AddCommand(
		newCommandCmd(opts),
		newSettingsCmd(opts),
		newSurfaceCmd(opts),
		newArchiveCmd(opts),
	)

	return rootCmd
}

// session is an open NATS connection plus the client logger.
type session struct {
	conn *nats.Conn
	log  *logger.Logger
}

func (o *rootOptions) connect() (*session, error) {
	log, err := logger.New(o.logDir, logFileName)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	conn, err := nats.Connect(o.natsURL, nats.Name(clientName))
	if err != nil {
		_ = log.Close()

		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", o.natsURL, err)
	}

	return &session{conn: conn, log: log}, nil
}

func (s *session) close() {
	s.conn.Close()
	_ = s.log.Close()
}

func newCommandCmd(opts *rootOptions) *cobra.Command {
	var (
		surface string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:       "command NAME",
		Short:     "Send a command to a surface",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{protocol.CommandTriggerTTS, protocol.CommandTogglePlayPause, protocol.CommandShowPlayer},
		RunE: func(cmd *cobra.Command, args []string) error {
			clientSession, err := opts.connect()
			if err != nil {
				return err
			}
			defer clientSession.close()

			return sendCommand(cmd.Context(), clientSession, protocol.Command{Command: args[0], Surface: surface}, timeout, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&surface, flagSurface, "", flagSurfaceDesc)
	cmd.Flags().DurationVar(&timeout, flagTimeout, defaultCommandTimeout, flagTimeoutDesc)
	_ = cmd.MarkFlagRequired(flagSurface)

	return cmd
}

func sendCommand(
	ctx context.Context,
	clientSession *session,
	command protocol.Command,
	timeout time.Duration,
	out io.Writer,
) error {
	data, err := json.Marshal(command)
	if err != nil {
		return fmt.Errorf("failed to marshal command: %w", err)
	}

	requestCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	reply, err := clientSession.conn.RequestWithContext(requestCtx, protocol.SubjectCommands, data)
	if err != nil {
		return fmt.Errorf("failed to send %s: %w", command.Command, err)
	}

	var ack protocol.CommandAck

	err = json.Unmarshal(reply.Data, &ack)
	if err != nil {
		return fmt.Errorf("failed to unmarshal command ack: %w", err)
	}

	if !ack.OK {
		clientSession.log.Error("Command %s for surface %s failed: %s", command.Command, command.Surface, ack.Error)

		return fmt.Errorf("%w: %s", errCommandFailed, ack.Error)
	}

	clientSession.log.Info("Command %s accepted for surface %s", command.Command, command.Surface)
	fmt.Fprintf(out, "%s accepted for surface %s\n", command.Command, command.Surface)

	return nil
}

func newSettingsCmd(opts *rootOptions) *cobra.Command {
	var bucket string

	settingsCmd := &cobra.Command{
		Use:   "settings",
		Short: "Read or change the stored user settings",
	}
	settingsCmd.PersistentFlags().StringVar(&bucket, flagBucket, settings.DefaultBucket, flagBucketDesc)

	getCmd := &cobra.Command{
		Use:   "get",
		Short: "Print the stored settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, clientSession, err := openSettings(opts, bucket)
			if err != nil {
				return err
			}
			defer clientSession.close()

			userSettings, err := store.Get(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to read settings: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "apiKey: %s\nvoice: %s\n", maskKey(userSettings.APIKey), userSettings.Voice)

			return nil
		},
	}

	var apiKey, voice string

	setCmd := &cobra.Command{
		Use:   "set",
		Short: "Store the API key and/or voice",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			update, err := settingsUpdate(cmd, apiKey, voice)
			if err != nil {
				return err
			}

			store, clientSession, err := openSettings(opts, bucket)
			if err != nil {
				return err
			}
			defer clientSession.close()

			current, err := store.Get(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to read settings: %w", err)
			}

			err = store.Save(cmd.Context(), update(current))
			if err != nil {
				return fmt.Errorf("failed to save settings: %w", err)
			}

			clientSession.log.Info("Settings saved to bucket %s", bucket)
			fmt.Fprintln(cmd.OutOrStdout(), "Settings saved.")

			return nil
		},
	}
	setCmd.Flags().StringVar(&apiKey, flagAPIKey, "", flagAPIKeyDesc)
	setCmd.Flags().StringVar(&voice, flagVoice, "", flagVoiceDesc)

	settingsCmd.AddCommand(getCmd, setCmd)

	return settingsCmd
}

// settingsUpdate validates the set flags and returns the merge they describe.
// Only flags given on the command line change the stored values.
func settingsUpdate(cmd *cobra.Command, apiKey, voice string) (func(core.UserSettings) core.UserSettings, error) {
	apiKeyChanged := cmd.Flags().Changed(flagAPIKey)
	voiceChanged := cmd.Flags().Changed(flagVoice)

	if !apiKeyChanged && !voiceChanged {
		return nil, errNothingToSet
	}

	return func(current core.UserSettings) core.UserSettings {
		if apiKeyChanged {
			current.APIKey = apiKey
		}

		if voiceChanged {
			current.Voice = voice
		}

		return current
	}, nil
}

func openSettings(opts *rootOptions, bucket string) (*settings.Store, *session, error) {
	clientSession, err := opts.connect()
	if err != nil {
		return nil, nil, err
	}

	jetstreamContext, err := clientSession.conn.JetStream()
	if err != nil {
		clientSession.close()

		return nil, nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	store, err := settings.New(jetstreamContext, bucket)
	if err != nil {
		clientSession.close()

		return nil, nil, fmt.Errorf("failed to open settings store: %w", err)
	}

	return store, clientSession, nil
}

func maskKey(apiKey string) string {
	const visible = 4

	if len(apiKey) <= visible {
		return apiKey
	}

	masked := make([]byte, len(apiKey)-visible)
	for i := range masked {
		masked[i] = '*'
	}

	return string(masked) + apiKey[len(apiKey)-visible:]
}

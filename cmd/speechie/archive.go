package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/book-expert/speechie/internal/core"
	"github.com/book-expert/speechie/internal/objectstore"
	"github.com/spf13/cobra"
)

const archiveFileMode = 0o600

func newArchiveCmd(opts *rootOptions) *cobra.Command {
	var bucket string

	archiveCmd := &cobra.Command{
		Use:   "archive",
		Short: "Read or add audio in the archive bucket",
	}
	archiveCmd.PersistentFlags().StringVar(&bucket, flagBucket, objectstore.DefaultBucket, flagArchiveDesc)

	var outDir string

	getCmd := &cobra.Command{
		Use:   "get TASK_ID",
		Short: "Save the archived audio of a task to a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			archive, clientSession, err := openArchive(opts, bucket)
			if err != nil {
				return err
			}
			defer clientSession.close()

			target, err := saveArchived(cmd.Context(), archive, args[0], outDir)
			if err != nil {
				return err
			}

			clientSession.log.Info("Saved archived audio %s to %s", objectstore.Key(args[0]), target)
			fmt.Fprintln(cmd.OutOrStdout(), target)

			return nil
		},
	}
	getCmd.Flags().StringVar(&outDir, flagOut, ".", flagOutDesc)

	putCmd := &cobra.Command{
		Use:   "put TASK_ID FILE",
		Short: "Store a local audio file under a task id",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			archive, clientSession, err := openArchive(opts, bucket)
			if err != nil {
				return err
			}
			defer clientSession.close()

			key, err := storeFile(cmd.Context(), archive, args[0], args[1])
			if err != nil {
				return err
			}

			clientSession.log.Info("Stored %s in bucket %s as %s", args[1], bucket, key)
			fmt.Fprintf(cmd.OutOrStdout(), "stored as %s\n", key)

			return nil
		},
	}

	archiveCmd.AddCommand(getCmd, putCmd)

	return archiveCmd
}

// saveArchived writes the archived audio of taskID into dir and returns the
// file path.
func saveArchived(ctx context.Context, store core.ObjectStore, taskID, dir string) (string, error) {
	if taskID == "" {
		return "", objectstore.ErrEmptyTaskID
	}

	key := objectstore.Key(taskID)

	data, err := store.Download(ctx, key)
	if err != nil {
		return "", fmt.Errorf("failed to download %s: %w", key, err)
	}

	target := filepath.Join(dir, key)

	err = os.WriteFile(target, data, archiveFileMode)
	if err != nil {
		return "", fmt.Errorf("failed to write %s: %w", target, err)
	}

	return target, nil
}

// storeFile uploads the file at path under the archive key of taskID.
func storeFile(ctx context.Context, store core.ObjectStore, taskID, path string) (string, error) {
	if taskID == "" {
		return "", objectstore.ErrEmptyTaskID
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}

	key := objectstore.Key(taskID)

	err = store.Upload(ctx, key, data)
	if err != nil {
		return "", fmt.Errorf("failed to upload %s: %w", key, err)
	}

	return key, nil
}

func openArchive(opts *rootOptions, bucket string) (*objectstore.AudioArchive, *session, error) {
	clientSession, err := opts.connect()
	if err != nil {
		return nil, nil, err
	}

	jetstreamContext, err := clientSession.conn.JetStream()
	if err != nil {
		clientSession.close()

		return nil, nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	archive, err := objectstore.New(jetstreamContext, bucket, nil)
	if err != nil {
		clientSession.close()

		return nil, nil, fmt.Errorf("failed to open audio archive: %w", err)
	}

	return archive, clientSession, nil
}

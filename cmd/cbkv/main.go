package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/couchbaselabs/gocbclient/kvclient"
	"github.com/couchbaselabs/gocbclient/memd"
)

var rootCmd = &cobra.Command{
	Use:   "cbkv",
	Short: "A small diagnostic client for Couchbase key/value access",
}

func init() {
	configFlags := pflag.NewFlagSet("", pflag.ContinueOnError)
	configFlags.String("log-level", "info", "the log level to run at")
	configFlags.String("connstr", "couchbase://localhost", "the cluster connection string")
	configFlags.String("bucket", "default", "the bucket to operate on")
	configFlags.String("user", "Administrator", "the username to authenticate with")
	configFlags.String("pass", "password", "the password to authenticate with")
	configFlags.Duration("timeout", 10*time.Second, "overall command timeout")
	configFlags.Bool("collections", false, "negotiate collections support")
	rootCmd.PersistentFlags().AddFlagSet(configFlags)

	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.SetEnvPrefix("cbkv")
	viper.AutomaticEnv()

	_ = viper.BindPFlags(configFlags)

	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(setCmd)
	rootCmd.AddCommand(removeCmd)
	rootCmd.AddCommand(pingCmd)
}

func buildLogger() *zap.Logger {
	level, err := zapcore.ParseLevel(viper.GetString("log-level"))
	if err != nil {
		level = zapcore.InfoLevel
	}

	config := zap.NewDevelopmentConfig()
	config.Level = zap.NewAtomicLevelAt(level)
	logger, err := config.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logging: %s\n", err)
		os.Exit(1)
	}
	return logger
}

// withBucket wires up the cluster context, opens the configured bucket and
// hands it to fn, tearing everything down afterwards.
func withBucket(fn func(ctx context.Context, bucket *kvclient.Bucket) error) error {
	logger := buildLogger()
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithTimeout(context.Background(), viper.GetDuration("timeout"))
	defer cancel()

	cluster, err := kvclient.NewClusterContext(ctx, viper.GetString("connstr"), kvclient.ClusterOptions{
		Username:          viper.GetString("user"),
		Password:          viper.GetString("pass"),
		EnableCollections: viper.GetBool("collections"),
		Logger:            logger,
	})
	if err != nil {
		return err
	}
	defer cluster.Close()

	bucket, err := cluster.GetOrCreateBucket(ctx, viper.GetString("bucket"))
	if err != nil {
		return err
	}

	return fn(ctx, bucket)
}

var getCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Fetch a document and print its body",
	Args:  cobra.ExactArgs(1),

	RunE: func(cmd *cobra.Command, args []string) error {
		return withBucket(func(ctx context.Context, bucket *kvclient.Bucket) error {
			res, err := bucket.Get(ctx, []byte(args[0]), kvclient.GetOptions{})
			if err != nil {
				if errors.Is(err, kvclient.ErrNotFound) {
					return fmt.Errorf("document %q not found", args[0])
				}
				return err
			}

			fmt.Printf("cas: 0x%016x flags: 0x%08x\n", res.Cas, res.Flags)
			fmt.Println(string(res.Value))
			return nil
		})
	},
}

var setCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Upsert a document",
	Args:  cobra.ExactArgs(2),

	RunE: func(cmd *cobra.Command, args []string) error {
		return withBucket(func(ctx context.Context, bucket *kvclient.Bucket) error {
			res, err := bucket.Upsert(ctx, []byte(args[0]), []byte(args[1]),
				memd.DatatypeFlagJSON, kvclient.MutateOptions{})
			if err != nil {
				return err
			}

			fmt.Printf("stored, cas: 0x%016x\n", res.Cas)
			return nil
		})
	},
}

var removeCmd = &cobra.Command{
	Use:   "remove <key>",
	Short: "Delete a document",
	Args:  cobra.ExactArgs(1),

	RunE: func(cmd *cobra.Command, args []string) error {
		return withBucket(func(ctx context.Context, bucket *kvclient.Bucket) error {
			res, err := bucket.Remove(ctx, []byte(args[0]), kvclient.MutateOptions{})
			if err != nil {
				return err
			}

			fmt.Printf("removed, cas: 0x%016x\n", res.Cas)
			return nil
		})
	},
}

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Round-trip a NOOP against the bucket",

	RunE: func(cmd *cobra.Command, args []string) error {
		return withBucket(func(ctx context.Context, bucket *kvclient.Bucket) error {
			start := time.Now()
			if err := bucket.Noop(ctx); err != nil {
				return err
			}

			fmt.Printf("pong in %s\n", time.Since(start))
			return nil
		})
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err)
		os.Exit(1)
	}
}

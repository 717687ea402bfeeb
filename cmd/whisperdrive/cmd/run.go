// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"context"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/antflydb/antfly-go/libaf/healthserver"
	"github.com/antflydb/antfly-go/libaf/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/antflydb/whisperdrive"
	"github.com/antflydb/whisperdrive/lib/backends"
	"github.com/antflydb/whisperdrive/lib/whisper"
)

var healthPort int

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the whisperdrive replica pool",
	Long:  `Load the Whisper model, warm the replica pool, and serve health and metrics endpoints until interrupted. Intended for hosts that embed the service in-process.`,
	RunE:  runServer,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().IntVar(&healthPort, "health-port", 4200, "health/metrics server port")
	mustBindPFlag("health_port", runCmd.Flags().Lookup("health-port"))

	runCmd.Flags().Int("pool-size", 0, "number of replicas (0 = auto-detect)")
	mustBindPFlag("pool_size", runCmd.Flags().Lookup("pool-size"))

	runCmd.Flags().Duration("detect-cache-ttl", 2*time.Minute, "TTL for cached language detection results (0 disables)")
	mustBindPFlag("detect_cache_ttl", runCmd.Flags().Lookup("detect-cache-ttl"))
}

func runServer(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := logging.NewLogger(&logging.Config{
		Level: logging.Level(viper.GetString("log.level")),
		Style: logging.Style(viper.GetString("log.style")),
	})
	defer func() {
		_ = logger.Sync()
	}()

	dir, err := resolveModelDir()
	if err != nil {
		return err
	}

	ready := &atomic.Bool{}
	healthserver.Start(logger, viper.GetInt("health_port"), ready.Load)

	whisperdrive.RegisterMetrics(prometheus.DefaultRegisterer)

	factory, err := backends.DefaultSessionFactory()
	if err != nil {
		return err
	}

	model, err := whisper.LoadModel(dir, factory, whisper.WithModelLogger(logger))
	if err != nil {
		return err
	}

	service, err := whisperdrive.NewService(model, whisperdrive.Config{
		PoolSize:       viper.GetInt("pool_size"),
		DetectCacheTTL: viper.GetDuration("detect_cache_ttl"),
	}, logger)
	if err != nil {
		_ = model.Close()
		return err
	}
	defer func() {
		_ = service.Close()
	}()

	ready.Store(true)
	logger.Info("whisperdrive is ready",
		zap.String("modelDir", dir),
		zap.Bool("multilingual", service.IsMultilingual()))

	<-ctx.Done()
	logger.Info("Shutting down")
	return nil
}

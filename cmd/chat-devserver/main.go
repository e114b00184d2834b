package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "chat-devserver",
	Short: "In-memory chat server for exercising the chatsync engine",
	RunE:  runServer,
}

var flagPort int

func init() {
	_ = godotenv.Load()
	rootCmd.PersistentFlags().IntVar(&flagPort, "port", envInt("DEVSERVER_PORT", 4040), "listen port")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("execute devserver command")
	}
}

func runServer(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	h := newHub()
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", flagPort),
		Handler:           newHandler(h),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil && err != context.Canceled {
			log.Error().Err(err).Msg("[devserver] shutdown error")
		}
	}()
	log.Info().Msgf("[devserver] serving at http://127.0.0.1:%d", flagPort)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	log.Info().Msg("[devserver] shutdown complete")
	return nil
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			return n
		}
	}
	return fallback
}

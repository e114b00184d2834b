package main

import (
	"bufio"
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/gosuda/chatsync/cache"
	"github.com/gosuda/chatsync/client"
	"github.com/gosuda/chatsync/conn"
	"github.com/gosuda/chatsync/httpapi"
)

var rootCmd = &cobra.Command{
	Use:   "chatsync",
	Short: "Terminal front for the chatsync realtime engine",
	RunE:  runClient,
}

var (
	flagWSURL    string
	flagAPIURL   string
	flagUser     string
	flagName     string
	flagPeer     string
	flagDataPath string
)

func init() {
	_ = godotenv.Load()
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&flagWSURL, "ws-url", os.Getenv("CHATSYNC_WS"), "websocket URL of the chat server")
	flags.StringVar(&flagAPIURL, "api-url", os.Getenv("CHATSYNC_API"), "base URL of the chat HTTP API")
	flags.StringVar(&flagUser, "user", os.Getenv("CHATSYNC_USER"), "current user id")
	flags.StringVar(&flagName, "name", "", "display name (defaults to user id)")
	flags.StringVar(&flagPeer, "peer", "", "peer to open on start")
	flags.StringVar(&flagDataPath, "data-path", "", "optional directory for the local message cache")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("execute chatsync command")
	}
}

func runClient(cmd *cobra.Command, args []string) error {
	if flagWSURL == "" || flagAPIURL == "" || flagUser == "" {
		return fmt.Errorf("--ws-url, --api-url and --user are required (or CHATSYNC_WS/CHATSYNC_API/CHATSYNC_USER)")
	}
	name := flagName
	if name == "" {
		name = flagUser
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	api := httpapi.New(flagAPIURL, flagUser)
	wsURL := flagWSURL + "?user=" + url.QueryEscape(flagUser) + "&username=" + url.QueryEscape(name)
	mgr := conn.NewManager(wsURL)

	opts := []client.Option{}
	var store *cache.Store
	if flagDataPath != "" {
		s, err := cache.Open(flagDataPath)
		if err != nil {
			log.Warn().Err(err).Msg("[chatsync] open cache failed; running without it")
		} else {
			store = s
			opts = append(opts, client.WithCache(s))
		}
	}
	eng := client.New(mgr, api, api, opts...)

	go func() {
		if err := eng.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("[chatsync] engine stopped")
		}
	}()
	go watchUpdates(ctx, eng)

	if err := eng.RefreshContacts(ctx); err != nil {
		log.Warn().Err(err).Msg("[chatsync] contact snapshot failed")
	}
	if flagPeer != "" {
		eng.SelectPeer(ctx, flagPeer)
	}

	go readInput(ctx, eng, stop)

	<-ctx.Done()
	if err := eng.Close(); err != nil {
		log.Debug().Err(err).Msg("[chatsync] close connection")
	}
	if store != nil {
		if err := store.Close(); err != nil {
			log.Warn().Err(err).Msg("[chatsync] cache close error")
		}
	}
	log.Info().Msg("[chatsync] bye")
	return nil
}

// watchUpdates prints roster and conversation changes as they land.
func watchUpdates(ctx context.Context, eng *client.Client) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-eng.Updates():
			online := eng.Online()
			names := make([]string, 0, len(online))
			for _, u := range online {
				names = append(names, u.Name)
			}
			log.Info().Strs("online", names).Msg("[chatsync] roster")
			if peer := eng.Selected(); peer != "" {
				for _, m := range eng.Messages(peer) {
					state := "…"
					if m.Confirmed() {
						state = "✓"
					}
					log.Info().Msgf("[%s] %s %s: %s", m.SentAt.Format("15:04:05"), state, m.Sender, m.Text)
				}
			}
		case err := <-eng.Errors():
			log.Warn().Err(err).Msg("[chatsync] fetch failed")
		}
	}
}

// readInput feeds stdin lines into the engine: "/open <peer>" switches the
// conversation, "/quit" exits, anything else is sent as a message.
func readInput(ctx context.Context, eng *client.Client, stop func()) {
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case line == "":
		case line == "/quit":
			stop()
			return
		case strings.HasPrefix(line, "/open "):
			peer := strings.TrimSpace(strings.TrimPrefix(line, "/open "))
			eng.SelectPeer(ctx, peer)
			log.Info().Str("peer", peer).Msg("[chatsync] conversation opened")
		default:
			if _, err := eng.SendText(line); err != nil {
				log.Warn().Err(err).Msg("[chatsync] send failed; message kept out of the log")
			}
		}
	}
}

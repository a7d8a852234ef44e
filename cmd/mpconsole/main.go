package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/mpconsole/mpconsole/internal/audience"
	"github.com/mpconsole/mpconsole/internal/broadcast"
	"github.com/mpconsole/mpconsole/internal/client"
	"github.com/mpconsole/mpconsole/internal/console"
	"github.com/mpconsole/mpconsole/internal/login"
	"github.com/mpconsole/mpconsole/internal/prompt"
	"github.com/mpconsole/mpconsole/internal/session"
)

const (
	commandUse              = "mpconsole"
	commandShortDescription = "Drive the messaging platform's admin console from the terminal"
	envPrefix               = "MPCONSOLE"

	flagAccountName            = "account"
	flagAccountDescription     = "Console account identifier"
	flagSecretName             = "secret"
	flagSecretDescription      = "Console account secret (prefer the environment variable)"
	flagBaseURLName            = "base-url"
	flagBaseURLDescription     = "Console origin (defaults to production)"
	flagArtifactDirName        = "artifact-dir"
	flagArtifactDirDescription = "Directory for QR and verification images"
	flagUploadDirName          = "upload-dir"
	flagUploadDirDescription   = "Directory for temporary media copies"
	flagStorePathName          = "store-path"
	flagStorePathDescription   = "SQLite file for the session snapshot"
	flagConsoleAddrName        = "console-addr"
	flagConsoleAddrDescription = "Address for the operator console; empty disables it"
	flagVerifyCodeName         = "verification-code"
	flagVerifyCodeDescription  = "Solved verification text from a previous login attempt"

	defaultArtifactDir = "artifacts"
	defaultUploadDir   = "upload"
	defaultStorePath   = "mpconsole.db"

	errMessageLoggerCreate = "create logger"
	errMessageClientCreate = "create client"
)

func main() {
	cobra.CheckErr(newRootCommand().Execute())
}

func newRootCommand() *cobra.Command {
	rootCommand := &cobra.Command{
		Use:   commandUse,
		Short: commandShortDescription,
	}

	persistent := rootCommand.PersistentFlags()
	persistent.String(flagAccountName, "", flagAccountDescription)
	persistent.String(flagSecretName, "", flagSecretDescription)
	persistent.String(flagBaseURLName, "", flagBaseURLDescription)
	persistent.String(flagArtifactDirName, defaultArtifactDir, flagArtifactDirDescription)
	persistent.String(flagUploadDirName, defaultUploadDir, flagUploadDirDescription)
	persistent.String(flagStorePathName, defaultStorePath, flagStorePathDescription)
	persistent.String(flagConsoleAddrName, "", flagConsoleAddrDescription)

	for _, flagName := range []string{
		flagAccountName, flagSecretName, flagBaseURLName,
		flagArtifactDirName, flagUploadDirName, flagStorePathName, flagConsoleAddrName,
	} {
		cobra.CheckErr(viper.BindPFlag(flagName, persistent.Lookup(flagName)))
	}
	cobra.OnInitialize(configureEnvironment)

	rootCommand.AddCommand(newLoginCommand())
	rootCommand.AddCommand(newSendCommand())
	rootCommand.AddCommand(newFollowersCommand())
	rootCommand.AddCommand(newMessagesCommand())

	return rootCommand
}

func configureEnvironment() {
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func newLoginCommand() *cobra.Command {
	loginCommand := &cobra.Command{
		Use:   "login",
		Short: "Authenticate the account, waiting for the QR scan",
		RunE:  runLoginCommand,
	}
	loginCommand.Flags().String(flagVerifyCodeName, "", flagVerifyCodeDescription)
	cobra.CheckErr(viper.BindPFlag(flagVerifyCodeName, loginCommand.Flags().Lookup(flagVerifyCodeName)))
	return loginCommand
}

func runLoginCommand(command *cobra.Command, _ []string) error {
	logger, cleanup, err := newLogger()
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(command.Context(), os.Interrupt)
	defer stop()

	recorder := &prompt.Recorder{}
	stopConsole, err := maybeServeConsole(recorder, logger)
	if err != nil {
		return err
	}
	defer stopConsole()

	consoleClient, closeStore, err := newClient(ctx, logger, recorder)
	if err != nil {
		return err
	}
	defer closeStore()

	err = consoleClient.Login(ctx, viper.GetString(flagVerifyCodeName))
	var verification *login.VerificationRequiredError
	if errors.As(err, &verification) {
		fmt.Printf("Verification required. Solve the image at %s and rerun with --%s.\n",
			verification.ImagePath, flagVerifyCodeName)
		return nil
	}
	if err != nil {
		return err
	}

	currentSession := consoleClient.Session()
	fmt.Printf("Logged in as %s (protected broadcast: %v)\n",
		currentSession.IdentityTag, currentSession.ProtectedBroadcast)
	return nil
}

func newSendCommand() *cobra.Command {
	var textBody string
	var articleID string
	var groupID int

	sendCommand := &cobra.Command{
		Use:   "send",
		Short: "Broadcast a text message or a published article",
		RunE: func(command *cobra.Command, _ []string) error {
			logger, cleanup, err := newLogger()
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, stop := signal.NotifyContext(command.Context(), os.Interrupt)
			defer stop()

			recorder := &prompt.Recorder{}
			stopConsole, err := maybeServeConsole(recorder, logger)
			if err != nil {
				return err
			}
			defer stopConsole()

			consoleClient, closeStore, err := newClient(ctx, logger, recorder)
			if err != nil {
				return err
			}
			defer closeStore()

			message := broadcast.Message{Type: broadcast.TypeText, Content: textBody, GroupID: groupID}
			if articleID != "" {
				message = broadcast.Message{Type: broadcast.TypeArticle, Content: articleID, GroupID: groupID}
			}
			if message.Content == "" {
				return errors.New("either --text or --article is required")
			}

			if _, err := consoleClient.Send(ctx, message); err != nil {
				return err
			}
			fmt.Println("Broadcast accepted")
			return nil
		},
	}
	sendCommand.Flags().StringVar(&textBody, "text", "", "Text body to broadcast")
	sendCommand.Flags().StringVar(&articleID, "article", "", "Published article ID to broadcast")
	sendCommand.Flags().IntVar(&groupID, "group", broadcast.GroupAll, "Audience group ID (-1 for everyone)")
	return sendCommand
}

func newFollowersCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "followers",
		Short: "List the account's followers",
		RunE: func(command *cobra.Command, _ []string) error {
			logger, cleanup, err := newLogger()
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, stop := signal.NotifyContext(command.Context(), os.Interrupt)
			defer stop()

			consoleClient, closeStore, err := newClient(ctx, logger, nil)
			if err != nil {
				return err
			}
			defer closeStore()

			followers, err := consoleClient.Followers(ctx)
			if err != nil {
				return err
			}
			for _, follower := range followers {
				fmt.Printf("%s\t%s\n", follower.OpenID, follower.Name)
			}
			return nil
		},
	}
}

func newMessagesCommand() *cobra.Command {
	var count int
	var day string

	messagesCommand := &cobra.Command{
		Use:   "messages",
		Short: "List recent inbox messages",
		RunE: func(command *cobra.Command, _ []string) error {
			logger, cleanup, err := newLogger()
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, stop := signal.NotifyContext(command.Context(), os.Interrupt)
			defer stop()

			consoleClient, closeStore, err := newClient(ctx, logger, nil)
			if err != nil {
				return err
			}
			defer closeStore()

			messages, err := consoleClient.Messages(ctx, count, day)
			if err != nil {
				return err
			}
			for _, message := range messages {
				fmt.Printf("%s\t%s\n", message.NickName, message.Content)
			}
			return nil
		},
	}
	messagesCommand.Flags().IntVar(&count, "count", 20, "Number of messages to list")
	messagesCommand.Flags().StringVar(&day, "day", audience.DayToday, "Day filter (0-3, 7, or star)")
	return messagesCommand
}

func newLogger() (*zap.Logger, func(), error) {
	logger, err := zap.NewProduction()
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", errMessageLoggerCreate, err)
	}
	return logger, func() { _ = logger.Sync() }, nil
}

func newClient(ctx context.Context, logger *zap.Logger, recorder *prompt.Recorder) (*client.Client, func(), error) {
	store, err := session.NewSQLiteStore(viper.GetString(flagStorePathName), logger)
	if err != nil {
		return nil, nil, err
	}

	var notifier prompt.Notifier = prompt.LogNotifier{Logger: logger}
	if recorder != nil {
		notifier = prompt.Multi{recorder, prompt.LogNotifier{Logger: logger}}
	}

	consoleClient, err := client.New(ctx, client.Config{
		Identity:    viper.GetString(flagAccountName),
		Secret:      viper.GetString(flagSecretName),
		BaseURL:     viper.GetString(flagBaseURLName),
		Store:       store,
		Notifier:    notifier,
		ArtifactDir: viper.GetString(flagArtifactDirName),
		UploadDir:   viper.GetString(flagUploadDirName),
		Logger:      logger,
	})
	if err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("%s: %w", errMessageClientCreate, err)
	}
	return consoleClient, func() { store.Close() }, nil
}

// maybeServeConsole starts the operator console when an address is
// configured, so QR prompts can be viewed from a browser while a state
// machine waits for the scan.
func maybeServeConsole(recorder *prompt.Recorder, logger *zap.Logger) (func(), error) {
	address := viper.GetString(flagConsoleAddrName)
	if address == "" {
		return func() {}, nil
	}

	router, err := console.NewRouter(console.RouterConfig{Prompts: recorder, Logger: logger})
	if err != nil {
		return nil, err
	}
	httpServer := &http.Server{Addr: address, Handler: router}
	go func() {
		if serveErr := httpServer.ListenAndServe(); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			logger.Error("operator console stopped", zap.Error(serveErr))
		}
	}()
	logger.Info("operator console listening", zap.String("address", address))

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}, nil
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/book-expert/events"
	"github.com/book-expert/logger"
	"github.com/book-expert/storybook-service/internal/objectstore"
	"github.com/book-expert/storybook-service/internal/worker"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// Flag descriptions and messages.
const (
	flagURLDesc      = "NATS server URL"
	flagSubjectDesc  = "Command subject of the storybook service"
	flagActionDesc   = "Action: start, next, previous, toggle-narration, retry-illustration, chat, reset, reauthorize, snapshot"
	flagPromptDesc   = "Story prompt (start)"
	flagQualityDesc  = "Illustration quality 1K, 2K or 4K (start)"
	flagMessageDesc  = "Message for the companion (chat)"
	flagTimeoutDesc  = "Request timeout"
	flagDownloadDesc = "Asset key to download from the asset bucket"
	flagBucketDesc   = "Asset bucket name (download)"
	flagOutputDesc   = "Output file path (download)"
)

// Flag names.
const (
	flagURL      = "url"
	flagSubject  = "subject"
	flagAction   = "action"
	flagPrompt   = "prompt"
	flagQuality  = "quality"
	flagMessage  = "message"
	flagTimeout  = "timeout"
	flagDownload = "download"
	flagBucket   = "bucket"
	flagOutput   = "output"
)

// Error messages.
const (
	errEitherActionOrDownload = "Either --action or --download must be provided"
	errCannotSpecifyBoth      = "Cannot specify both --action and --download"
	errPromptRequired         = "--prompt is required for start"
	errMessageRequired        = "--message is required for chat"
	errOutputRequired         = "--output is required for download"
)

const (
	defaultURL      = nats.DefaultURL
	defaultSubject  = "storybook.commands"
	defaultBucket   = "STORYBOOK_ASSETS"
	defaultTimeout  = 3 * time.Minute
	logFileName     = "storybook-client.log"
	outputFileMode  = 0o644
	downloadTimeout = 30 * time.Second
)

// appFlags holds the parsed command-line flag values.
type appFlags struct {
	url      string
	subject  string
	action   string
	prompt   string
	quality  string
	message  string
	download string
	bucket   string
	output   string
	timeout  time.Duration
}

func main() {
	err := run()
	if err != nil {
		// A logger might not be initialized yet, so use the standard log package.
		log.Fatalf("Error: %v", err)
	}
}

// run is the main application entry point, returning an error on failure.
func run() error {
	flags := parseFlags(flag.CommandLine, os.Args[1:])

	err := validateArguments(flags)
	if err != nil {
		flag.Usage()

		return err
	}

	clientLog, err := logger.New(os.TempDir(), logFileName)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer clientLog.Close()

	natsConnection, err := nats.Connect(flags.url)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS at %s: %w", flags.url, err)
	}
	defer natsConnection.Close()

	if flags.download != "" {
		return download(natsConnection, flags, clientLog)
	}

	reply, err := sendCommand(natsConnection, flags)
	if err != nil {
		clientLog.Error("Command '%s' failed: %v", flags.action, err)

		return err
	}

	render(os.Stdout, reply)

	return nil
}

// parseFlags defines and parses command-line flags, returning them in a struct.
func parseFlags(flagSet *flag.FlagSet, args []string) appFlags {
	var flags appFlags
	flagSet.StringVar(&flags.url, flagURL, defaultURL, flagURLDesc)
	flagSet.StringVar(&flags.subject, flagSubject, defaultSubject, flagSubjectDesc)
	flagSet.StringVar(&flags.action, flagAction, "", flagActionDesc)
	flagSet.StringVar(&flags.prompt, flagPrompt, "", flagPromptDesc)
	flagSet.StringVar(&flags.quality, flagQuality, "", flagQualityDesc)
	flagSet.StringVar(&flags.message, flagMessage, "", flagMessageDesc)
	flagSet.StringVar(&flags.download, flagDownload, "", flagDownloadDesc)
	flagSet.StringVar(&flags.bucket, flagBucket, defaultBucket, flagBucketDesc)
	flagSet.StringVar(&flags.output, flagOutput, "", flagOutputDesc)
	flagSet.DurationVar(&flags.timeout, flagTimeout, defaultTimeout, flagTimeoutDesc)
	_ = flagSet.Parse(args)

	return flags
}

// validateArguments checks required and conflicting arguments.
func validateArguments(flags appFlags) error {
	if flags.action == "" && flags.download == "" {
		return errors.New(errEitherActionOrDownload)
	}

	if flags.action != "" && flags.download != "" {
		return errors.New(errCannotSpecifyBoth)
	}

	if flags.download != "" && flags.output == "" {
		return errors.New(errOutputRequired)
	}

	switch worker.Action(flags.action) {
	case worker.ActionStart:
		if strings.TrimSpace(flags.prompt) == "" {
			return errors.New(errPromptRequired)
		}
	case worker.ActionChat:
		if strings.TrimSpace(flags.message) == "" {
			return errors.New(errMessageRequired)
		}
	}

	return nil
}

func newCommand(flags appFlags) worker.Command {
	return worker.Command{
		Header: events.EventHeader{
			Timestamp:  time.Now(),
			WorkflowID: uuid.NewString(),
			EventID:    uuid.NewString(),
			UserID:     "",
			TenantID:   "",
		},
		Action:  worker.Action(flags.action),
		Prompt:  flags.prompt,
		Quality: flags.quality,
		Message: flags.message,
	}
}

func sendCommand(natsConnection *nats.Conn, flags appFlags) (*worker.Reply, error) {
	data, err := json.Marshal(newCommand(flags))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal command: %w", err)
	}

	replyMsg, err := natsConnection.Request(flags.subject, data, flags.timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to send command: %w", err)
	}

	var reply worker.Reply

	err = json.Unmarshal(replyMsg.Data, &reply)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal reply: %w", err)
	}

	return &reply, nil
}

func download(natsConnection *nats.Conn, flags appFlags, clientLog *logger.Logger) error {
	jetstreamContext, err := natsConnection.JetStream()
	if err != nil {
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}

	store, err := objectstore.New(jetstreamContext, flags.bucket, 0)
	if err != nil {
		return fmt.Errorf("failed to open asset store: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), downloadTimeout)
	defer cancel()

	data, err := store.Download(ctx, flags.download)
	if err != nil {
		return fmt.Errorf("failed to download %s: %w", flags.download, err)
	}

	err = os.WriteFile(flags.output, data, outputFileMode)
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", flags.output, err)
	}

	clientLog.Info("Downloaded %s to %s", flags.download, flags.output)
	fmt.Printf("Downloaded: %s\n", flags.output)

	return nil
}

// render prints a reply for a human reader.
func render(out io.Writer, reply *worker.Reply) {
	snapshot := reply.Snapshot

	fmt.Fprintf(out, "Phase: %s\n", snapshot.Phase)

	if snapshot.Notice != "" {
		fmt.Fprintf(out, "Notice: %s\n", snapshot.Notice)
	}

	if book := snapshot.Book; book != nil && len(book.Pages) > 0 {
		page := book.CurrentPage()

		fmt.Fprintf(out, "Story: %s (page %d of %d, %d%%)\n", book.Title, page.Number, len(book.Pages), book.Progress)
		fmt.Fprintf(out, "Illustration: %s", page.State)

		switch {
		case page.Illustration.Key != "":
			fmt.Fprintf(out, " [%s]", page.Illustration.Key)
		case page.Illustration.URL != "":
			fmt.Fprintf(out, " [inline %s]", page.Illustration.MIMEType)
		}

		fmt.Fprintln(out)

		if page.Notice != "" {
			fmt.Fprintf(out, "Notice: %s\n", page.Notice)
		}

		if page.NeedsReauthorization {
			fmt.Fprintln(out, "Run with --action reauthorize after selecting a new key.")
		}

		fmt.Fprintf(out, "\n%s\n\n", page.Text)
		fmt.Fprintf(out, "Narration: %s\n", book.Narration.State)

		if book.Narration.LastError != "" {
			fmt.Fprintf(out, "Narration error: %s\n", book.Narration.LastError)
		}
	}

	if len(snapshot.Chat) > 0 {
		last := snapshot.Chat[len(snapshot.Chat)-1]
		fmt.Fprintf(out, "Companion (%s): %s\n", last.Role, last.Text)
	}

	if reply.Error != "" {
		fmt.Fprintf(out, "Error: %s\n", reply.Error)
	}
}

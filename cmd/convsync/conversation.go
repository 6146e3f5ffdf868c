package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	jww "github.com/spf13/jwalterweatherman"

	"github.com/Prismer-AI/convsync"
)

var (
	openFollow    bool
	webhookAddr   string
	webhookSecret string
	sendShare     string
)

func init() {
	rootCmd.AddCommand(openCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(acceptCmd)
	rootCmd.AddCommand(rejectCmd)
	rootCmd.AddCommand(readCmd)

	openCmd.Flags().BoolVarP(&openFollow, "follow", "f", false, "Keep the conversation open and print new messages")
	openCmd.Flags().StringVar(&webhookAddr, "webhook-addr", "", "With --follow, also accept webhook deliveries on this address")
	openCmd.Flags().StringVar(&webhookSecret, "webhook-secret", "", "HMAC secret for webhook deliveries")

	sendCmd.Flags().StringVar(&sendShare, "share", "", "Attach a shared reference as type:id (post, news, showcase, user)")
}

// ============================================================================
// Output
// ============================================================================

func printMessage(m convsync.Message) {
	who := m.Sender.DisplayName
	if who == "" {
		who = m.Sender.ID
	}
	line := m.Content
	if m.SharedRef != nil {
		line = strings.TrimSpace(fmt.Sprintf("%s [%s:%s]", line, m.SharedRef.Type, m.SharedRef.ID))
	}
	if m.Kind == convsync.KindSystem {
		fmt.Printf("[%s] * %s\n", m.CreatedAt.Local().Format("2006-01-02 15:04"), line)
		return
	}
	fmt.Printf("[%s] %s: %s\n", m.CreatedAt.Local().Format("2006-01-02 15:04"), who, line)
}

func printFooter(v convsync.View) {
	s := v.State
	fmt.Printf("-- %s (%s)", s.State, s.Footer)
	var actions []string
	if s.CanSend {
		actions = append(actions, "send")
	}
	if s.CanAccept {
		actions = append(actions, "accept")
	}
	if s.CanReject {
		actions = append(actions, "reject")
	}
	if len(actions) > 0 {
		fmt.Printf(" can: %s", strings.Join(actions, ", "))
	}
	fmt.Println()
	if v.Stale {
		fmt.Printf("-- showing cached messages: %v\n", v.RefreshErr)
	}
}

// ============================================================================
// open
// ============================================================================

var openCmd = &cobra.Command{
	Use:   "open <conversation-id>",
	Short: "Show a conversation",
	Long: "Print the cached messages of a conversation merged with the latest server snapshot.\n" +
		"With --follow, stay connected and print messages as they arrive.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := args[0]
		rt, err := newRuntime()
		if err != nil {
			return err
		}
		defer rt.close()

		if !openFollow {
			view, err := rt.open(cmd.Context(), id, nil)
			if err != nil {
				return err
			}
			for _, m := range view.Messages {
				printMessage(m)
			}
			printFooter(view)
			return nil
		}
		return follow(cmd.Context(), rt, id)
	},
}

// follow prints every new message of a conversation until interrupted.
func follow(ctx context.Context, rt *runtime, id string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var printed int
	var lastState convsync.RequestState
	onView := func(v convsync.View) {
		// Views only grow, so everything past printed is new.
		unread := false
		for _, m := range v.Messages[min(printed, len(v.Messages)):] {
			printMessage(m)
			if m.Sender.ID != rt.cfg.Default.UserID {
				unread = true
			}
		}
		printed = len(v.Messages)
		if v.State.State != lastState || v.Stale {
			printFooter(v)
			lastState = v.State.State
		}
		if unread {
			rt.engine.MarkRead(id)
		}
	}

	rt.connect(ctx, id)
	if _, err := rt.engine.OpenConversation(ctx, id, onView); err != nil {
		return err
	}

	if webhookAddr != "" {
		srv, err := serveWebhook(rt.hub)
		if err != nil {
			return err
		}
		defer srv.Close()
	}

	<-ctx.Done()
	fmt.Println()
	return nil
}

func serveWebhook(sink convsync.EventSink) (*http.Server, error) {
	handler, err := convsync.NewWebhookHandler(webhookSecret, sink)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/webhook", handler)
	srv := &http.Server{Addr: webhookAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		jww.INFO.Printf("[convsync cli] webhook listening on %s/webhook", webhookAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			jww.ERROR.Printf("[convsync cli] webhook server stopped: %v", err)
		}
	}()
	return srv, nil
}

// ============================================================================
// send / accept / reject / read
// ============================================================================

func parseShare(s string) (*convsync.SharedRef, error) {
	if s == "" {
		return nil, nil
	}
	typ, id, ok := strings.Cut(s, ":")
	if !ok {
		return nil, fmt.Errorf("--share must be type:id")
	}
	ref := &convsync.SharedRef{Type: convsync.SharedRefType(typ), ID: id}
	if err := ref.Validate(); err != nil {
		return nil, err
	}
	return ref, nil
}

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> [content]",
	Short: "Send a message",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := args[0]
		var content string
		if len(args) == 2 {
			content = args[1]
		}
		ref, err := parseShare(sendShare)
		if err != nil {
			return err
		}

		rt, err := newRuntime()
		if err != nil {
			return err
		}
		defer rt.close()

		if _, err := rt.open(cmd.Context(), id, nil); err != nil {
			return err
		}
		msg, err := rt.engine.SendMessage(cmd.Context(), id, content, ref)
		if err != nil {
			return fmt.Errorf("send failed: %w", err)
		}
		fmt.Printf("Sent %s\n", msg.ID)
		return nil
	},
}

func transitionCmd(use, short, done string, act func(*convsync.Engine, context.Context, string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <conversation-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			rt, err := newRuntime()
			if err != nil {
				return err
			}
			defer rt.close()

			if _, err := rt.open(cmd.Context(), id, nil); err != nil {
				return err
			}
			if err := act(rt.engine, cmd.Context(), id); err != nil {
				return fmt.Errorf("%s failed: %w", use, err)
			}
			view, _ := rt.engine.View(id)
			fmt.Println(done)
			printFooter(view)
			return nil
		},
	}
}

var acceptCmd = transitionCmd("accept", "Accept a pending chat request", "Request accepted.",
	(*convsync.Engine).AcceptRequest)

var rejectCmd = transitionCmd("reject", "Reject a pending chat request", "Request rejected.",
	(*convsync.Engine).RejectRequest)

var readCmd = &cobra.Command{
	Use:   "read <conversation-id>",
	Short: "Mark a conversation as read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime()
		if err != nil {
			return err
		}
		defer rt.close()

		ctx, cancel := context.WithTimeout(cmd.Context(), convsync.DefaultTimeout)
		defer cancel()
		if err := rt.client.MarkRead(ctx, args[0]); err != nil {
			return fmt.Errorf("mark read failed: %w", err)
		}
		fmt.Println("Marked as read.")
		return nil
	},
}

package cli

import (
	"bufio"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/spf13/cobra"

	"github.com/tetherhq/tether/internal/config"
	"github.com/tetherhq/tether/internal/control"
	"github.com/tetherhq/tether/internal/peer"
	"github.com/tetherhq/tether/internal/signaling"
	"github.com/tetherhq/tether/internal/ui"
)

var (
	flagDomain   string
	flagSTUN     string
	flagTURN     string
	flagTURNUser string
	flagTURNPass string
	flagUserID   string
)

var hostCmd = &cobra.Command{
	Use:     "host",
	Aliases: []string{"h"},
	Short:   "Create a room and control the paired device",
	Long: `Create a room, wait for a device to join with the code, and drive the
remote-control side of the session.

Examples:
  tether host
  tether host --domain signal.example.com`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runHost()
	},
}

func runHost() error {
	cfg, err := config.Load(config.Options{
		Domain:     flagDomain,
		STUNServer: flagSTUN,
		TURNServer: flagTURN,
		TURNUser:   flagTURNUser,
		TURNPass:   flagTURNPass,
	})
	if err != nil {
		return err
	}

	userID, err := loadUserID(flagUserID)
	if err != nil {
		return err
	}

	stopSpinner := ui.RunConnectionSpinner("Connecting to server...")
	ctx, err := NewConnectionContext(cfg, userID)
	if err != nil {
		stopSpinner()
		return err
	}
	defer ctx.Close()
	stopSpinner()

	roomID, err := ctx.CreateRoom()
	if err != nil {
		return err
	}
	ui.RenderRoomInfo(roomID, "host")

	stopSpinner = ui.RunWaitingSpinner("Waiting for a device to join...")
	select {
	case <-ctx.Handler.PeerJoined:
	case <-ctx.Handler.PeerReconnected:
	case reason := <-ctx.Handler.Errors:
		stopSpinner()
		return fmt.Errorf("waiting for peer: %s", reason)
	}
	stopSpinner()
	ui.PrintSuccess("Device joined, negotiating...")

	ctrl, err := peer.NewController(peer.Config{
		Role:       peer.Initiator,
		ICEServers: iceServers(cfg),
	}, &relay{ctx: ctx})
	if err != nil {
		return err
	}
	defer ctrl.Close()

	ctrl.OnRemoteStream = func(purpose peer.Purpose, streamID string, _ *webrtc.TrackRemote) {
		ui.PrintInfof("receiving %s stream (%s)", purpose, streamID)
	}

	// Once the control channel is open, report control as active and
	// hand the input sender to the console loop.
	var (
		senderMu sync.Mutex
		sender   *control.Sender
	)
	ctrl.OnControlChannel = func(dc *webrtc.DataChannel) {
		senderMu.Lock()
		sender = control.NewSender(userID, dc)
		senderMu.Unlock()

		if err := ctx.Client.Send(signaling.EventControlStatus, &signaling.ControlStatusPayload{
			RoomID: ctx.RoomID,
			Active: true,
		}); err == nil {
			ui.PrintSuccess("Control channel established")
		}
	}
	getSender := func() *control.Sender {
		senderMu.Lock()
		defer senderMu.Unlock()
		return sender
	}

	done := make(chan struct{})
	quit := make(chan struct{})
	go ctx.PumpSignals(ctrl, done)
	go hostInputLoop(ctx, getSender, quit)

	if err := ctrl.RequestNegotiation(); err != nil {
		close(done)
		return err
	}

	started := time.Now()
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	select {
	case <-interrupt:
	case <-quit:
	}
	close(done)

	snap := lastSnapshot(ctx)
	summary := ui.SessionSummary{
		RoomID:   roomID,
		Role:     "host",
		PeerSeen: true,
		Duration: fmt.Sprintf("%.0f seconds", time.Since(started).Seconds()),
	}
	if snap != nil {
		summary.ControlActive = snap.ControlActive
		summary.CameraActive = snap.CameraActive
	}
	fmt.Println()
	ui.RenderSessionSummary(summary)
	return nil
}

// Console input is interpreted against a nominal surface; the wire
// format is normalized to the unit square, so the client scales it to
// its own dimensions.
const (
	nominalWidth  = 1920
	nominalHeight = 1080
)

// hostInputLoop translates console commands into remote input:
//
//	move <x> <y>      pointer move (pixels on a 1920x1080 surface)
//	click [button]    mouse click
//	scroll <dx> <dy>  scroll
//	camera            ask the client to enable its camera
//	mic               toggle the client's microphone
//	quit              end the session
func hostInputLoop(ctx *ConnectionContext, getSender func() *control.Sender, quit chan<- struct{}) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}

		if fields[0] == "quit" {
			close(quit)
			return
		}

		if fields[0] == "camera" {
			if err := ctx.Client.Send(signaling.EventCameraRequest, &signaling.CameraRequestPayload{RoomID: ctx.RoomID}); err != nil {
				ui.PrintWarning(err.Error())
			}
			continue
		}

		s := getSender()
		if s == nil {
			ui.PrintWarning("control channel not open yet")
			continue
		}

		var err error
		switch fields[0] {
		case "move":
			var x, y int
			if x, y, err = parsePair(fields[1:]); err == nil {
				err = s.PointerMove(x, y, nominalWidth, nominalHeight)
			}
		case "click":
			button := 0
			if len(fields) > 1 {
				button, err = strconv.Atoi(fields[1])
			}
			if err == nil {
				err = s.Click(button)
			}
		case "scroll":
			var dx, dy int
			if dx, dy, err = parsePair(fields[1:]); err == nil {
				err = s.Scroll(float64(dx), float64(dy))
			}
		case "mic":
			err = s.ToggleMic()
		default:
			ui.PrintWarning("unknown command: " + fields[0])
			continue
		}

		if err != nil {
			ui.PrintWarning(err.Error())
		}
	}
}

func parsePair(fields []string) (int, int, error) {
	if len(fields) != 2 {
		return 0, 0, fmt.Errorf("expected two arguments")
	}
	a, err := strconv.Atoi(fields[0])
	if err != nil {
		return 0, 0, err
	}
	b, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0, 0, err
	}
	return a, b, nil
}

func init() {
	rootCmd.AddCommand(hostCmd)

	hostCmd.Flags().StringVarP(&flagDomain, "domain", "d", "", "Custom domain")
	hostCmd.Flags().StringVarP(&flagSTUN, "stun", "s", "", "Custom STUN server")
	hostCmd.Flags().StringVarP(&flagTURN, "turn", "t", "", "Custom TURN server")
	hostCmd.Flags().StringVarP(&flagTURNUser, "turn-user", "u", "", "TURN username")
	hostCmd.Flags().StringVarP(&flagTURNPass, "turn-pass", "p", "", "TURN password")
	hostCmd.Flags().StringVar(&flagUserID, "user-id", "", "Override the persisted user id")
}

package cli

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
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
	flagShareDomain   string
	flagShareSTUN     string
	flagShareTURN     string
	flagShareTURNUser string
	flagShareTURNPass string
	flagShareUserID   string
	flagAllowCamera   bool
	flagWidth         int
	flagHeight        int
)

var shareCmd = &cobra.Command{
	Use:     "share <room-code>",
	Aliases: []string{"join"},
	Short:   "Join a room and share this device's screen",
	Long: `Join a room by its 6-digit code and share this device's screen with
the host, accepting remote input over the control channel.

Examples:
  tether share 482913
  tether share 482913 --allow-camera=false`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runShare(args[0])
	},
}

func runShare(roomID string) error {
	cfg, err := config.Load(config.Options{
		Domain:     flagShareDomain,
		STUNServer: flagShareSTUN,
		TURNServer: flagShareTURN,
		TURNUser:   flagShareTURNUser,
		TURNPass:   flagShareTURNPass,
	})
	if err != nil {
		return err
	}

	userID, err := loadUserID(flagShareUserID)
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

	if err := ctx.JoinRoom(roomID); err != nil {
		return err
	}
	ui.RenderRoomInfo(roomID, "client")

	ctrl, err := peer.NewController(peer.Config{
		Role:       peer.Responder,
		ICEServers: iceServers(cfg),
	}, &relay{ctx: ctx})
	if err != nil {
		return err
	}
	defer ctrl.Close()

	// Remote input lands on the control channel; the dispatcher only
	// obeys the room's host and scales pointer coordinates to the
	// local surface.
	hostID := waitForHostID(ctx)
	dispatcher := control.NewDispatcher(hostID, fixedSurface{w: flagWidth, h: flagHeight}, control.Handlers{
		PointerMove: func(x, y int) {
			slog.Debug("pointer move", "x", x, "y", y)
		},
		PointerClick: func(button int) {
			slog.Debug("pointer click", "button", button)
		},
		Scroll: func(dx, dy float64) {
			slog.Debug("scroll", "dx", dx, "dy", dy)
		},
		ToggleCamera: func() {
			slog.Info("camera toggle requested by host")
		},
		ToggleMic: func() {
			slog.Info("microphone toggle requested by host")
		},
	})

	ctrl.OnControlChannel = func(dc *webrtc.DataChannel) {
		ui.PrintSuccess("Control channel established")
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			dispatcher.Handle(msg.Data)
		})
	}

	done := make(chan struct{})
	go ctx.PumpSignals(ctrl, done)
	go handleCameraRequests(ctx, ctrl, done)

	// Share the screen right away. Actual frame capture is a
	// collaborator concern; the track is the seam it feeds.
	if err := shareScreen(ctrl); err != nil {
		close(done)
		return err
	}

	started := time.Now()
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	<-interrupt
	close(done)

	snap := lastSnapshot(ctx)
	summary := ui.SessionSummary{
		RoomID:   roomID,
		Role:     "client",
		PeerSeen: snap != nil && snap.HostOnline,
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

// waitForHostID extracts the host identity from the first room
// snapshot; the control dispatcher needs it for authorization.
func waitForHostID(ctx *ConnectionContext) string {
	select {
	case snap := <-ctx.Handler.RoomState:
		if snap != nil {
			return snap.HostUserID
		}
	case <-time.After(10 * time.Second):
	}
	return ""
}

// shareScreen attaches the screen stream to the controller.
func shareScreen(ctrl *peer.Controller) error {
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
		"screen-video",
		"tether-screen",
	)
	if err != nil {
		return fmt.Errorf("create screen track: %w", err)
	}
	return ctrl.AddStream(peer.PurposeScreen, "tether-screen", []webrtc.TrackLocal{track})
}

// shareCamera attaches camera+microphone tracks under one stream.
func shareCamera(ctrl *peer.Controller) error {
	video, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
		"camera-video",
		"tether-camera",
	)
	if err != nil {
		return fmt.Errorf("create camera track: %w", err)
	}
	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		"camera-audio",
		"tether-camera",
	)
	if err != nil {
		return fmt.Errorf("create microphone track: %w", err)
	}
	return ctrl.AddStream(peer.PurposeCamera, "tether-camera", []webrtc.TrackLocal{video, audio})
}

// handleCameraRequests answers the host's camera requests: report the
// permission decision, then enable the camera stream if allowed.
func handleCameraRequests(ctx *ConnectionContext, ctrl *peer.Controller, done <-chan struct{}) {
	for {
		select {
		case _, ok := <-ctx.Handler.CameraRequest:
			if !ok {
				return
			}

			if err := ctx.Client.Send(signaling.EventCameraPermission, &signaling.CameraPermissionPayload{
				RoomID:  ctx.RoomID,
				Granted: flagAllowCamera,
			}); err != nil {
				slog.Warn("report camera permission", "err", err)
			}
			if !flagAllowCamera {
				continue
			}

			if err := shareCamera(ctrl); err != nil {
				slog.Warn("enable camera", "err", err)
				continue
			}
			if err := ctx.Client.Send(signaling.EventCameraState, &signaling.CameraStatePayload{
				RoomID: ctx.RoomID,
				Active: true,
			}); err != nil {
				slog.Warn("report camera state", "err", err)
			}

		case <-done:
			return
		}
	}
}

// fixedSurface is the local render surface the dispatcher scales
// pointer coordinates to.
type fixedSurface struct {
	w, h int
}

func (s fixedSurface) Size() (int, int) { return s.w, s.h }

func init() {
	rootCmd.AddCommand(shareCmd)

	shareCmd.Flags().StringVarP(&flagShareDomain, "domain", "d", "", "Custom domain")
	shareCmd.Flags().StringVarP(&flagShareSTUN, "stun", "s", "", "Custom STUN server")
	shareCmd.Flags().StringVarP(&flagShareTURN, "turn", "t", "", "Custom TURN server")
	shareCmd.Flags().StringVar(&flagShareTURNUser, "turn-user", "", "TURN username")
	shareCmd.Flags().StringVar(&flagShareTURNPass, "turn-pass", "", "TURN password")
	shareCmd.Flags().StringVar(&flagShareUserID, "user-id", "", "Override the persisted user id")
	shareCmd.Flags().BoolVar(&flagAllowCamera, "allow-camera", true, "Grant camera requests from the host")
	shareCmd.Flags().IntVar(&flagWidth, "width", 1920, "Local surface width in pixels")
	shareCmd.Flags().IntVar(&flagHeight, "height", 1080, "Local surface height in pixels")
}

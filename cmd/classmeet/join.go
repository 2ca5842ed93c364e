package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/1ureka/classmeet/internal/config"
	"github.com/1ureka/classmeet/internal/media"
	"github.com/1ureka/classmeet/internal/meeting"
	"github.com/1ureka/classmeet/internal/util"
)

var flags config.Options

var joinCmd = &cobra.Command{
	Use:   "join",
	Short: "Join a meeting room",
	Long: `Join a meeting room and stay until you choose Leave or press Ctrl+C.

Examples:
  classmeet join --room 42 --user 7
  classmeet join --relay wss://school.example.com/ws --room 42`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(flags)
		if err != nil {
			return err
		}
		if !flagDebug && !util.SetLevel(cfg.LogLevel) {
			util.LogWarning("unknown log level %q, using info", cfg.LogLevel)
		}

		if cfg.Room == "" {
			cfg.Room = ask("Room id")
		}
		if cfg.User == "" {
			cfg.User = ask("Your user id")
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()
		return runJoin(ctx, cfg)
	},
}

func init() {
	f := joinCmd.Flags()
	f.StringVar(&flags.EnvFile, "env-file", "", "Environment file to load (default .env)")
	f.StringVar(&flags.RelayURL, "relay", "", "Signaling relay URL (env CLASSMEET_RELAY_URL)")
	f.StringVar(&flags.Room, "room", "", "Room id (env CLASSMEET_ROOM)")
	f.StringVar(&flags.User, "user", "", "User id (env CLASSMEET_USER)")
	f.StringSliceVar(&flags.STUNServers, "stun", nil, "STUN server URLs (env STUN_SERVERS)")
	f.StringVar(&flags.TURNServer, "turn", "", "TURN server host:port (env TURN_SERVER)")
	f.StringVar(&flags.TURNUser, "turn-user", "", "TURN username (env TURN_USERNAME)")
	f.StringVar(&flags.TURNPass, "turn-pass", "", "TURN password (env TURN_PASSWORD)")
	f.StringVar(&flags.LogLevel, "log-level", "", "Log level: trace, debug, info, warn, error (env LOG_LEVEL)")
}

// ---------------------------------------------------------------------------
// Session
// ---------------------------------------------------------------------------

// localMedia holds the CLI's sample tracks and the current composition.
type localMedia struct {
	mic     *webrtc.TrackLocalStaticSample
	camera  *webrtc.TrackLocalStaticSample
	screen  *webrtc.TrackLocalStaticSample
	muted   bool
	sharing bool
}

func newLocalMedia() (*localMedia, error) {
	mic, err := media.NewSampleTrack(webrtc.RTPCodecTypeAudio, "classmeet-mic")
	if err != nil {
		return nil, err
	}
	camera, err := media.NewSampleTrack(webrtc.RTPCodecTypeVideo, "classmeet-camera")
	if err != nil {
		return nil, err
	}
	screen, err := media.NewSampleTrack(webrtc.RTPCodecTypeVideo, "classmeet-screen")
	if err != nil {
		return nil, err
	}
	return &localMedia{mic: mic, camera: camera, screen: screen}, nil
}

// stream composes the outgoing stream: microphone unless muted, plus the
// screen while sharing or the camera otherwise.
func (m *localMedia) stream() *media.Stream {
	var tracks []webrtc.TrackLocal
	if !m.muted {
		tracks = append(tracks, m.mic)
	}
	if m.sharing {
		tracks = append(tracks, m.screen)
	} else {
		tracks = append(tracks, m.camera)
	}
	return media.NewStream("", tracks...)
}

// feedSilence keeps the microphone track producing opus silence frames so
// remote participants receive an audio track.
func (m *localMedia) feedSilence(ctx context.Context) {
	silence := []byte{0xf8, 0xff, 0xfe}
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.mic.WriteSample(pionmedia.Sample{Data: silence, Duration: 20 * time.Millisecond}); err != nil {
				util.LogDebug("mic sample dropped: %v", err)
			}
		}
	}
}

func runJoin(ctx context.Context, cfg *config.Config) error {
	local, err := newLocalMedia()
	if err != nil {
		return fmt.Errorf("failed to create local tracks: %w", err)
	}

	fatal := make(chan error, 1)
	coord, err := meeting.New(meeting.Options{
		RoomID:     cfg.Room,
		UserID:     cfg.User,
		RelayURL:   cfg.RelayURL,
		ICEServers: cfg.ICEServers(),

		OnParticipantJoined: func(id string) { util.LogInfo("participant %s is here", id) },
		OnParticipantLeft:   func(id string) { util.LogInfo("participant %s left the meeting", id) },
		OnRemoteStream: func(id string, s *media.RemoteStream) {
			util.LogSuccess("receiving %d track(s) from %s", len(s.Tracks()), id)
		},
		OnRemoteStreamRemoved: func(id string) { util.LogDebug("stream from %s removed", id) },
		OnRaiseHand: func(id string, raised bool) {
			if raised {
				pterm.Info.Printfln("✋ %s raised a hand", id)
			} else {
				pterm.Info.Printfln("%s lowered a hand", id)
			}
		},
		OnError: func(err error) {
			util.LogError("%v", err)
			if errors.Is(err, meeting.ErrChannelClosed) {
				select {
				case fatal <- err:
				default:
				}
			}
		},
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	coord.SetLocalStream(local.stream())
	go local.feedSilence(ctx)
	util.StartStatsReporter(ctx, coord.Stats(), 5*time.Second)

	joinCtx, joinCancel := context.WithTimeout(ctx, 15*time.Second)
	coord.Join(joinCtx)
	joinCancel()
	defer coord.Leave()

	go func() {
		select {
		case <-fatal:
			cancel()
		case <-ctx.Done():
		}
	}()

	return menu(ctx, coord, local)
}

// ---------------------------------------------------------------------------
// Interactive menu
// ---------------------------------------------------------------------------

const (
	actionRaise       = "Raise hand"
	actionLower       = "Lower hand"
	actionShare       = "Share screen"
	actionStopShare   = "Stop sharing"
	actionMute        = "Mute"
	actionUnmute      = "Unmute"
	actionParticipant = "Participants"
	actionLeave       = "Leave"
)

func menu(ctx context.Context, coord *meeting.Coordinator, local *localMedia) error {
	handUp := false

	for ctx.Err() == nil {
		options := []string{actionRaise, actionShare, actionMute, actionParticipant, actionLeave}
		if handUp {
			options[0] = actionLower
		}
		if local.sharing {
			options[1] = actionStopShare
		}
		if local.muted {
			options[2] = actionUnmute
		}

		choice, err := pterm.DefaultInteractiveSelect.
			WithOptions(options).
			WithDefaultText(coord.Stats().String()).
			Show()
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			break
		}

		switch choice {
		case actionRaise, actionLower:
			handUp = choice == actionRaise
			coord.RaiseHand(handUp)
		case actionShare, actionStopShare:
			local.sharing = choice == actionShare
			coord.SetLocalStream(local.stream())
		case actionMute, actionUnmute:
			local.muted = choice == actionMute
			coord.SetLocalStream(local.stream())
		case actionParticipant:
			printParticipants(coord)
		case actionLeave:
			return nil
		}
	}
	return nil
}

func printParticipants(coord *meeting.Coordinator) {
	raised := make(map[string]bool)
	for _, id := range coord.RaisedHands() {
		raised[id] = true
	}

	data := pterm.TableData{{"Participant", "Link", "Hand"}}
	for _, id := range coord.Participants() {
		state, _ := coord.LinkState(id)
		hand := ""
		if raised[id] {
			hand = "✋"
		}
		data = append(data, []string{id, state.String(), hand})
	}
	if len(data) == 1 {
		pterm.Info.Println("nobody else is here yet")
		return
	}
	pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

// ask prompts until a non-empty answer is entered.
func ask(prompt string) string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText(prompt).
			Show()

		if v := strings.TrimSpace(raw); v != "" {
			pterm.Println()
			return v
		}
		util.LogWarning("a value is required")
	}
}

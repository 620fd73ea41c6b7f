// Package xrandr implements the X11 backend on top of the RandR extension.
package xrandr

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/BurntSushi/xgb"
	"github.com/BurntSushi/xgb/randr"
	"github.com/BurntSushi/xgb/xproto"
	"github.com/BurntSushi/xgbutil"

	"github.com/bnema/dispconf/internal/backend"
	"github.com/bnema/dispconf/internal/display"
	"github.com/bnema/dispconf/internal/logger"
)

// ArgDisplay selects the X display, $DISPLAY when unset
const ArgDisplay = "display"

const (
	modeFlagInterlace  = 1 << 4
	modeFlagDoubleScan = 1 << 5

	// dpi used to derive the physical screen size on resize
	defaultDPI = 96.0
)

var errNoFreeCrtc = errors.New("no free CRTC")

// Backend talks to the X server over one connection
type Backend struct {
	opts backend.Options
	xu   *xgbutil.XUtil
	conn *xgb.Conn
	root xproto.Window

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// Descriptor registers the xrandr backend. It is isolated because a dying X
// server takes the connection, and the hosting process, with it.
func Descriptor() backend.Descriptor {
	return backend.Descriptor{
		Name:        backend.NameXRandR,
		Description: "X11 RandR 1.3+",
		Isolated:    true,
		Factory:     func(opts backend.Options) (backend.Backend, error) { return New(opts) },
	}
}

// New connects to the X server and subscribes to RandR change events
func New(opts backend.Options) (*Backend, error) {
	var (
		xu  *xgbutil.XUtil
		err error
	)
	if display := opts.Arg(ArgDisplay, ""); display != "" {
		xu, err = xgbutil.NewConnDisplay(display)
	} else {
		xu, err = xgbutil.NewConn()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to X server: %w", err)
	}

	b := &Backend{
		opts: opts,
		xu:   xu,
		conn: xu.Conn(),
		root: xu.RootWin(),
	}
	if err := randr.Init(b.conn); err != nil {
		b.conn.Close()
		return nil, fmt.Errorf("randr init failed: %w", err)
	}

	err = randr.SelectInputChecked(b.conn, b.root,
		randr.NotifyMaskScreenChange|randr.NotifyMaskCrtcChange|randr.NotifyMaskOutputChange).Check()
	if err != nil {
		b.conn.Close()
		return nil, fmt.Errorf("failed to select randr events: %w", err)
	}

	b.wg.Add(1)
	go b.eventLoop()
	return b, nil
}

func (b *Backend) Name() string {
	return backend.NameXRandR
}

// IsValid requires RandR 1.3 for GetScreenResourcesCurrent and primary outputs
func (b *Backend) IsValid() bool {
	v, err := randr.QueryVersion(b.conn, 1, 3).Reply()
	if err != nil {
		return false
	}
	return v.MajorVersion > 1 || (v.MajorVersion == 1 && v.MinorVersion >= 3)
}

func (b *Backend) eventLoop() {
	defer b.wg.Done()
	for {
		ev, err := b.conn.WaitForEvent()
		if ev == nil && err == nil {
			// Connection closed
			return
		}
		if err != nil {
			logger.Debug("xrandr event error", "error", err)
			continue
		}
		switch ev.(type) {
		case randr.ScreenChangeNotifyEvent, randr.NotifyEvent:
			b.opts.Changed()
		}
	}
}

type snapshot struct {
	res   *randr.GetScreenResourcesCurrentReply
	modes map[randr.Mode]randr.ModeInfo
	names map[randr.Mode]string
	crtcs map[randr.Crtc]*randr.GetCrtcInfoReply
}

func (b *Backend) snapshot() (*snapshot, error) {
	res, err := randr.GetScreenResourcesCurrent(b.conn, b.root).Reply()
	if err != nil {
		return nil, fmt.Errorf("failed to get screen resources: %w", err)
	}
	s := &snapshot{
		res:   res,
		modes: make(map[randr.Mode]randr.ModeInfo, len(res.Modes)),
		names: ModeNames(res.Modes, res.Names),
		crtcs: make(map[randr.Crtc]*randr.GetCrtcInfoReply, len(res.Crtcs)),
	}
	for _, m := range res.Modes {
		s.modes[randr.Mode(m.Id)] = m
	}
	for _, crtc := range res.Crtcs {
		info, err := randr.GetCrtcInfo(b.conn, crtc, res.ConfigTimestamp).Reply()
		if err != nil {
			return nil, fmt.Errorf("failed to get crtc %d: %w", crtc, err)
		}
		s.crtcs[crtc] = info
	}
	return s, nil
}

// Config reads screen limits, outputs, modes and the primary output
func (b *Backend) Config(ctx context.Context) (*display.Config, error) {
	s, err := b.snapshot()
	if err != nil {
		return nil, err
	}
	sizeRange, err := randr.GetScreenSizeRange(b.conn, b.root).Reply()
	if err != nil {
		return nil, fmt.Errorf("failed to get screen size range: %w", err)
	}
	geom, err := xproto.GetGeometry(b.conn, xproto.Drawable(b.root)).Reply()
	if err != nil {
		return nil, fmt.Errorf("failed to get root geometry: %w", err)
	}
	primary, err := randr.GetOutputPrimary(b.conn, b.root).Reply()
	if err != nil {
		return nil, fmt.Errorf("failed to get primary output: %w", err)
	}

	cfg := display.NewConfig()
	cfg.SetSupported(display.FeatureWritable | display.FeaturePrimaryDisplay)
	screen := display.NewScreen()
	screen.SetID(int(b.root))
	screen.SetMinSize(display.Size{Width: int(sizeRange.MinWidth), Height: int(sizeRange.MinHeight)})
	screen.SetMaxSize(display.Size{Width: int(sizeRange.MaxWidth), Height: int(sizeRange.MaxHeight)})
	screen.SetCurrentSize(display.Size{Width: int(geom.Width), Height: int(geom.Height)})
	screen.SetMaxActiveOutputsCount(len(s.res.Crtcs))
	cfg.SetScreen(screen)

	for _, id := range s.res.Outputs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		info, err := randr.GetOutputInfo(b.conn, id, s.res.ConfigTimestamp).Reply()
		if err != nil {
			return nil, fmt.Errorf("failed to get output %d: %w", id, err)
		}
		cfg.AddOutput(s.toOutput(id, info, id == primary.Output))
	}

	display.EnsurePrimary(cfg)
	display.DetectClones(cfg)
	return cfg, nil
}

func (s *snapshot) toOutput(id randr.Output, info *randr.GetOutputInfoReply, primary bool) *display.Output {
	o := display.NewOutput(int(id))
	o.Update(func(o *display.Output) {
		name := string(info.Name)
		o.SetName(name)
		o.SetType(display.GuessOutputType(name))
		o.SetConnected(info.Connection == randr.ConnectionConnected)
		o.SetSizeMm(display.Size{Width: int(info.MmWidth), Height: int(info.MmHeight)})

		var modes []*display.Mode
		var preferred []string
		for i, mid := range info.Modes {
			mi, ok := s.modes[mid]
			if !ok {
				continue
			}
			modeID := strconv.FormatUint(uint64(mid), 10)
			modes = append(modes, display.NewModeWith(modeID, s.names[mid],
				display.Size{Width: int(mi.Width), Height: int(mi.Height)}, RefreshRate(mi)))
			if i < int(info.NumPreferred) {
				preferred = append(preferred, modeID)
			}
		}
		o.SetModes(modes)
		o.SetPreferredModes(preferred)

		if crtc, ok := s.crtcs[info.Crtc]; ok && info.Crtc != 0 && crtc.Mode != 0 {
			o.SetEnabled(true)
			o.SetPos(display.Point{X: int(crtc.X), Y: int(crtc.Y)})
			o.SetRotation(FromRandrRotation(crtc.Rotation))
			o.SetCurrentModeID(strconv.FormatUint(uint64(crtc.Mode), 10))
		}
		o.SetPrimary(primary && o.IsEnabled())
	})
	return o
}

// SetConfig reconfigures CRTCs, the screen size and the primary output
func (b *Backend) SetConfig(ctx context.Context, cfg *display.Config) error {
	s, err := b.snapshot()
	if err != nil {
		return err
	}

	infos := make(map[randr.Output]*randr.GetOutputInfoReply)
	for _, id := range s.res.Outputs {
		info, err := randr.GetOutputInfo(b.conn, id, s.res.ConfigTimestamp).Reply()
		if err != nil {
			return fmt.Errorf("failed to get output %d: %w", id, err)
		}
		infos[id] = info
	}

	// Turn off everything that is disabled or about to move so the
	// screen can shrink or grow freely.
	used := make(map[randr.Crtc]bool)
	for _, o := range cfg.Outputs() {
		info, ok := infos[randr.Output(o.ID())]
		if !ok || info.Crtc == 0 {
			continue
		}
		if err := b.disableCrtc(s, info.Crtc); err != nil {
			return err
		}
	}

	bounds := display.BoundingRect(cfg)
	if !bounds.IsEmpty() {
		if err := b.setScreenSize(bounds.Right(), bounds.Bottom()); err != nil {
			return err
		}
	}

	for _, o := range cfg.EnabledOutputs() {
		if err := ctx.Err(); err != nil {
			return err
		}
		id := randr.Output(o.ID())
		info, ok := infos[id]
		if !ok {
			return fmt.Errorf("%w: %d", backend.ErrUnknownOutput, o.ID())
		}
		crtc, err := pickCrtc(info, used)
		if err != nil {
			return fmt.Errorf("output %s: %w", o.Name(), err)
		}
		used[crtc] = true

		mode, err := strconv.ParseUint(o.CurrentModeID(), 10, 32)
		if err != nil {
			return fmt.Errorf("output %s: invalid mode id %q", o.Name(), o.CurrentModeID())
		}
		pos := o.Pos()
		reply, err := randr.SetCrtcConfig(b.conn, crtc, xproto.TimeCurrentTime, s.res.ConfigTimestamp,
			int16(pos.X), int16(pos.Y), randr.Mode(mode), ToRandrRotation(o.Rotation()), []randr.Output{id}).Reply()
		if err != nil {
			return fmt.Errorf("failed to configure %s: %w", o.Name(), err)
		}
		if reply.Status != randr.SetConfigSuccess {
			return fmt.Errorf("failed to configure %s: status %d", o.Name(), reply.Status)
		}
	}

	var primary randr.Output
	if p := cfg.PrimaryOutput(); p != nil && p.IsEnabled() {
		primary = randr.Output(p.ID())
	}
	if err := randr.SetOutputPrimaryChecked(b.conn, b.root, primary).Check(); err != nil {
		return fmt.Errorf("failed to set primary output: %w", err)
	}
	return nil
}

func (b *Backend) disableCrtc(s *snapshot, crtc randr.Crtc) error {
	info, ok := s.crtcs[crtc]
	if !ok || info.Mode == 0 {
		return nil
	}
	reply, err := randr.SetCrtcConfig(b.conn, crtc, xproto.TimeCurrentTime, s.res.ConfigTimestamp,
		0, 0, 0, randr.RotationRotate0, nil).Reply()
	if err != nil {
		return fmt.Errorf("failed to disable crtc %d: %w", crtc, err)
	}
	if reply.Status != randr.SetConfigSuccess {
		return fmt.Errorf("failed to disable crtc %d: status %d", crtc, reply.Status)
	}
	return nil
}

func (b *Backend) setScreenSize(width, height int) error {
	mmW, mmH := ScreenSizeMm(width, height, defaultDPI)
	err := randr.SetScreenSizeChecked(b.conn, b.root, uint16(width), uint16(height), mmW, mmH).Check()
	if err != nil {
		return fmt.Errorf("failed to resize screen to %dx%d: %w", width, height, err)
	}
	return nil
}

// pickCrtc keeps the output's current CRTC, else takes the first possible
// one not used yet
func pickCrtc(info *randr.GetOutputInfoReply, used map[randr.Crtc]bool) (randr.Crtc, error) {
	if info.Crtc != 0 && !used[info.Crtc] {
		return info.Crtc, nil
	}
	for _, c := range info.Crtcs {
		if !used[c] {
			return c, nil
		}
	}
	return 0, errNoFreeCrtc
}

// Edid reads the EDID output property
func (b *Backend) Edid(ctx context.Context, outputID int) ([]byte, error) {
	atom, err := xproto.InternAtom(b.conn, true, uint16(len("EDID")), "EDID").Reply()
	if err != nil {
		return nil, fmt.Errorf("failed to intern EDID atom: %w", err)
	}
	if atom.Atom == 0 {
		return nil, nil
	}
	prop, err := randr.GetOutputProperty(b.conn, randr.Output(outputID), atom.Atom,
		xproto.GetPropertyTypeAny, 0, 256, false, false).Reply()
	if err != nil {
		return nil, fmt.Errorf("%w: %d: %v", backend.ErrUnknownOutput, outputID, err)
	}
	return prop.Data, nil
}

// Close disconnects from the X server and waits for the event loop
func (b *Backend) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.conn.Close()
	b.wg.Wait()
	return nil
}

// RefreshRate derives the vertical refresh from the mode timings
func RefreshRate(m randr.ModeInfo) float64 {
	vtotal := float64(m.Vtotal)
	if m.ModeFlags&modeFlagDoubleScan != 0 {
		vtotal *= 2
	}
	if m.ModeFlags&modeFlagInterlace != 0 {
		vtotal /= 2
	}
	if m.Htotal == 0 || vtotal == 0 {
		return 0
	}
	return float64(m.DotClock) / (float64(m.Htotal) * vtotal)
}

// ModeNames splits the packed mode name buffer of a resources reply
func ModeNames(modes []randr.ModeInfo, packed []byte) map[randr.Mode]string {
	names := make(map[randr.Mode]string, len(modes))
	offset := 0
	for _, m := range modes {
		end := offset + int(m.NameLen)
		if end > len(packed) {
			break
		}
		names[randr.Mode(m.Id)] = string(packed[offset:end])
		offset = end
	}
	return names
}

// FromRandrRotation keeps only the rotation bits (reflections are ignored)
func FromRandrRotation(r uint16) display.Rotation {
	switch {
	case r&randr.RotationRotate90 != 0:
		return display.RotationLeft
	case r&randr.RotationRotate180 != 0:
		return display.RotationInverted
	case r&randr.RotationRotate270 != 0:
		return display.RotationRight
	default:
		return display.RotationNone
	}
}

// ToRandrRotation maps a rotation to its RandR bit
func ToRandrRotation(r display.Rotation) uint16 {
	switch r {
	case display.RotationLeft:
		return randr.RotationRotate90
	case display.RotationInverted:
		return randr.RotationRotate180
	case display.RotationRight:
		return randr.RotationRotate270
	default:
		return randr.RotationRotate0
	}
}

// ScreenSizeMm converts a pixel size at the given dpi to millimetres
func ScreenSizeMm(width, height int, dpi float64) (uint32, uint32) {
	return uint32(float64(width) * 25.4 / dpi), uint32(float64(height) * 25.4 / dpi)
}

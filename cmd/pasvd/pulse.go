package main

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/jfreymuth/pulse"
	"github.com/jfreymuth/pulse/proto"
)

// PulseAudio volume units (PA_VOLUME_NORM and PA_VOLUME_MAX).
const (
	paVolumeNorm = 0x10000
	paVolumeMax  = math.MaxUint32 / 2
)

// PulseAudio is the AudioSubsystem backed by a native-protocol PulseAudio
// (or PipeWire-pulse) connection.
//
// The client library answers each request through its own reader goroutine;
// RawRequest blocks until that reply arrives, so every method here is a
// plain blocking call. mu keeps a single request outstanding.
type PulseAudio struct {
	mu     sync.Mutex
	client *pulse.Client
	cfg    PulseConfig
	logger *slog.Logger
}

// DialPulseAudio connects to the sound server, retrying briefly so the daemon
// can start alongside it at login.
func DialPulseAudio(cfg PulseConfig, logger *slog.Logger) (*PulseAudio, error) {
	p := &PulseAudio{cfg: cfg, logger: logger}
	if err := p.connectWithRetry(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *PulseAudio) connect() error {
	opts := []pulse.ClientOption{pulse.ClientApplicationName(p.cfg.AppName)}
	if p.cfg.Server != "" {
		opts = append(opts, pulse.ClientServerString(p.cfg.Server))
	}

	client, err := pulse.NewClient(opts...)
	if err != nil {
		return err
	}
	p.client = client
	return nil
}

func (p *PulseAudio) connectWithRetry() error {
	var lastErr error
	for attempt := 0; attempt < pulseConnectAttempts; attempt++ {
		err := p.connect()
		if err == nil {
			p.logger.Info("connected to PulseAudio", "app_name", p.cfg.AppName, "server", p.cfg.Server)
			return nil
		}
		lastErr = err
		p.logger.Warn("PulseAudio connection failed; retrying...", "error", err, "attempt", attempt+1)
		time.Sleep(pulseConnectBackoff)
	}
	return fmt.Errorf("failed to connect after %d attempts: %w", pulseConnectAttempts, lastErr)
}

// request issues one raw request, reconnecting first if the previous
// request lost the connection.
func (p *PulseAudio) request(req proto.RequestArgs, rpl proto.Reply) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.client == nil {
		p.logger.Warn("PulseAudio connection lost; reconnecting...")
		if err := p.connect(); err != nil {
			return fmt.Errorf("reconnect: %w", err)
		}
	}

	err := p.client.RawRequest(req, rpl)
	if err == nil {
		return nil
	}

	// Server-side errors (no such sink, access denied) leave the
	// connection usable; anything else means the socket is gone.
	var perr proto.Error
	if !errors.As(err, &perr) {
		p.client.Close()
		p.client = nil
	}
	return err
}

// DefaultOutput returns the name of the default sink.
func (p *PulseAudio) DefaultOutput() (string, error) {
	var info proto.GetServerInfoReply
	if err := p.request(&proto.GetServerInfo{}, &info); err != nil {
		return "", fmt.Errorf("get server info: %w", err)
	}
	if info.DefaultSinkName == "" {
		return "", ErrNoDefaultOutput
	}
	p.logger.Debug("GetServerInfo", "default_sink", info.DefaultSinkName)
	return info.DefaultSinkName, nil
}

// Volume returns the linear per-channel volumes of the named sink.
func (p *PulseAudio) Volume(output string) ([]float64, error) {
	var info proto.GetSinkInfoReply
	req := &proto.GetSinkInfo{SinkIndex: proto.Undefined, SinkName: output}
	if err := p.request(req, &info); err != nil {
		return nil, fmt.Errorf("get sink info %q: %w", output, err)
	}

	volumes := make([]float64, len(info.ChannelVolumes))
	for i, v := range info.ChannelVolumes {
		volumes[i] = volumeToLinear(v)
	}
	return volumes, nil
}

// SetVolume sets all channels of the named sink to the same linear volume.
func (p *PulseAudio) SetVolume(output string, channels int, linear float64) error {
	if channels <= 0 {
		return fmt.Errorf("set sink volume %q: invalid channel count %d", output, channels)
	}

	v := linearToVolume(linear)
	cv := make(proto.ChannelVolumes, channels)
	for i := range cv {
		cv[i] = v
	}

	req := &proto.SetSinkVolume{SinkIndex: proto.Undefined, SinkName: output, ChannelVolumes: cv}
	if err := p.request(req, nil); err != nil {
		return fmt.Errorf("set sink volume %q: %w", output, err)
	}
	return nil
}

// Close releases the connection.
func (p *PulseAudio) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil {
		p.client.Close()
		p.client = nil
	}
	return nil
}

// volumeToLinear converts a PulseAudio volume to a linear fraction, rounded
// to four decimals so repeated reads of the same setting compare equal.
func volumeToLinear(v uint32) float64 {
	return math.Round(float64(v)/paVolumeNorm*1e4) / 1e4
}

// linearToVolume converts a linear fraction to a PulseAudio volume.
func linearToVolume(linear float64) uint32 {
	if linear <= 0 || math.IsNaN(linear) {
		return 0
	}
	v := linear * paVolumeNorm
	if v >= paVolumeMax {
		return paVolumeMax
	}
	return uint32(v)
}

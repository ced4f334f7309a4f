package rtc

import (
	"fmt"
	"time"

	"github.com/dkeye/livecam/internal/core"
	"github.com/dkeye/livecam/internal/domain"
	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/intervalpli"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// Options configure every peer connection the factory builds.
type Options struct {
	ICEServers        []string
	CandidatePoolSize uint8
	// PLIInterval makes the answerer request keyframes periodically.
	// Zero keeps pion's default.
	PLIInterval time.Duration
	// Loopback gathers loopback candidates, for peers on the same host.
	Loopback bool
}

// DefaultOptions uses Google's public STUN servers and a pre-gathered
// candidate pool.
func DefaultOptions() Options {
	return Options{
		ICEServers:        []string{"stun:stun1.l.google.com:19302", "stun:stun2.l.google.com:19302"},
		CandidatePoolSize: 10,
		PLIInterval:       3 * time.Second,
	}
}

func (o Options) configuration() webrtc.Configuration {
	cfg := webrtc.Configuration{ICECandidatePoolSize: o.CandidatePoolSize}
	if len(o.ICEServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: o.ICEServers}}
	}
	return cfg
}

// Factory builds pion-backed transports. Offerers and answerers use
// separate APIs because only the answerer sends periodic PLIs.
type Factory struct {
	opts     Options
	offerer  *webrtc.API
	answerer *webrtc.API
}

func NewFactory(opts Options) (*Factory, error) {
	offerer, err := newAPI(false, opts)
	if err != nil {
		return nil, fmt.Errorf("offerer api: %w", err)
	}
	answerer, err := newAPI(true, opts)
	if err != nil {
		return nil, fmt.Errorf("answerer api: %w", err)
	}
	return &Factory{opts: opts, offerer: offerer, answerer: answerer}, nil
}

func newAPI(receiver bool, opts Options) (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	i := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, fmt.Errorf("register default interceptors: %w", err)
	}
	if receiver {
		var pliOpts []intervalpli.GeneratorOption
		if opts.PLIInterval > 0 {
			pliOpts = append(pliOpts, intervalpli.GeneratorInterval(opts.PLIInterval))
		}
		pli, err := intervalpli.NewReceiverInterceptor(pliOpts...)
		if err != nil {
			return nil, fmt.Errorf("create pli interceptor: %w", err)
		}
		i.Add(pli)
	}

	se := webrtc.SettingEngine{LoggerFactory: NewLoggerFactory()}
	if opts.Loopback {
		se.SetIncludeLoopbackCandidate(true)
		se.SetNetworkTypes([]webrtc.NetworkType{webrtc.NetworkTypeUDP4})
	}

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(i),
		webrtc.WithSettingEngine(se),
	), nil
}

func (f *Factory) NewTransport(role domain.Origin, sid domain.SessionID, sink core.TrackSink) (core.Transport, error) {
	api := f.offerer
	if role == domain.OriginAnswerer {
		api = f.answerer
	}
	pc, err := api.NewPeerConnection(f.opts.configuration())
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}
	log.Debug().Str("module", "rtc").Str("sid", string(sid)).Str("role", string(role)).Msg("peer connection created")
	return newConnection(pc, role, sid, sink), nil
}

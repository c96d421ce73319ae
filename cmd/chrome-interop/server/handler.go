package server

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/nack"
	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/thesyncim/remb/pkg/remb"
	rembinterceptor "github.com/thesyncim/remb/pkg/remb/interceptor"
)

// offerHandler answers WebRTC offers from the browser with a receive-only
// peer connection whose REMB interceptor drives the browser's send rate.
type offerHandler struct {
	cfg    Config
	logger *zap.Logger

	mu    sync.Mutex
	pcs   []*webrtc.PeerConnection
	stats Stats
}

func newOfferHandler(cfg Config) (*offerHandler, error) {
	if _, err := rembinterceptor.NewREMBInterceptorFactory(factoryOptions(cfg, nil)...); err != nil {
		return nil, errors.Wrap(err, "invalid interceptor configuration")
	}
	return &offerHandler{
		cfg:    cfg,
		logger: cfg.Logger,
	}, nil
}

func factoryOptions(cfg Config, onREMB func(*remb.ControlPacket)) []rembinterceptor.FactoryOption {
	opts := []rembinterceptor.FactoryOption{
		rembinterceptor.WithEstimatorConfig(cfg.Estimator),
		rembinterceptor.WithRelayConfig(cfg.Relay),
		rembinterceptor.WithSenderSSRC(cfg.SenderSSRC),
		rembinterceptor.WithLogger(cfg.Logger),
		rembinterceptor.WithMetrics(cfg.Metrics),
	}
	if cfg.RTCPInterval > 0 {
		opts = append(opts, rembinterceptor.WithRTCPInterval(cfg.RTCPInterval))
	}
	if cfg.EventManager != nil {
		opts = append(opts, rembinterceptor.WithEventManager(cfg.EventManager))
	}
	if onREMB != nil {
		opts = append(opts, rembinterceptor.WithOnREMB(onREMB))
	}
	return opts
}

// Stats returns a copy of the counters.
func (h *offerHandler) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := h.stats
	s.LastSSRCs = append([]uint32(nil), h.stats.LastSSRCs...)
	return s
}

func (h *offerHandler) onREMB(pkt *remb.ControlPacket) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stats.REMBCount++
	if pkt.Bitrate != h.stats.LastBitrate {
		h.logger.Info("REMB sent", zap.Uint64("bitrate", pkt.Bitrate), zap.Uint32s("ssrcs", pkt.SSRCs))
	}
	h.stats.LastBitrate = pkt.Bitrate
	h.stats.LastSSRCs = append(h.stats.LastSSRCs[:0], pkt.SSRCs...)
}

func (h *offerHandler) track(pc *webrtc.PeerConnection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pcs = append(h.pcs, pc)
	h.stats.Connections++
}

func (h *offerHandler) closeAll() {
	h.mu.Lock()
	pcs := h.pcs
	h.pcs = nil
	h.mu.Unlock()

	for _, pc := range pcs {
		if err := pc.Close(); err != nil {
			h.logger.Debug("failed to close peer connection", zap.Error(err))
		}
	}
}

func (h *offerHandler) fail(w http.ResponseWriter, status int, msg string, err error) {
	h.logger.Warn(msg, zap.Error(err))
	http.Error(w, http.StatusText(status), status)
}

// newAPI builds a webrtc API whose only bandwidth feedback is REMB.
func (h *offerHandler) newAPI() (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, errors.Wrap(err, "failed to register codecs")
	}

	i := &interceptor.Registry{}

	factory, err := rembinterceptor.NewREMBInterceptorFactory(factoryOptions(h.cfg, h.onREMB)...)
	if err != nil {
		return nil, err
	}
	i.Add(factory)

	// No RegisterDefaultInterceptors or ConfigureTWCCSender: with TWCC
	// feedback Chrome runs its sender-side estimator and ignores REMB.

	if err := webrtc.ConfigureRTCPReports(i); err != nil {
		return nil, errors.Wrap(err, "failed to configure RTCP reports")
	}
	if err := webrtc.ConfigureStatsInterceptor(i); err != nil {
		return nil, errors.Wrap(err, "failed to configure stats interceptor")
	}
	if err := webrtc.ConfigureSimulcastExtensionHeaders(m); err != nil {
		return nil, errors.Wrap(err, "failed to configure simulcast headers")
	}

	m.RegisterFeedback(webrtc.RTCPFeedback{Type: "nack"}, webrtc.RTPCodecTypeVideo)
	m.RegisterFeedback(webrtc.RTCPFeedback{Type: "nack", Parameter: "pli"}, webrtc.RTPCodecTypeVideo)

	generator, err := nack.NewGeneratorInterceptor()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create NACK generator")
	}
	i.Add(generator)

	responder, err := nack.NewResponderInterceptor()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create NACK responder")
	}
	i.Add(responder)

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(i),
	), nil
}

// ServeHTTP handles POST /offer.
func (h *offerHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var offer webrtc.SessionDescription
	if err := json.NewDecoder(r.Body).Decode(&offer); err != nil {
		h.fail(w, http.StatusBadRequest, "failed to decode offer", err)
		return
	}

	api, err := h.newAPI()
	if err != nil {
		h.fail(w, http.StatusInternalServerError, "failed to build webrtc api", err)
		return
	}

	peerConnection, err := api.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		h.fail(w, http.StatusInternalServerError, "failed to create peer connection", err)
		return
	}

	if _, err = peerConnection.AddTransceiverFromKind(
		webrtc.RTPCodecTypeVideo,
		webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly},
	); err != nil {
		_ = peerConnection.Close()
		h.fail(w, http.StatusInternalServerError, "failed to add transceiver", err)
		return
	}

	peerConnection.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		h.logger.Info("received track",
			zap.String("codec", track.Codec().MimeType),
			zap.Uint32("ssrc", uint32(track.SSRC())))

		// Reading keeps the stream flowing through the interceptor chain.
		go func() {
			buf := make([]byte, 1500)
			for {
				if _, _, err := track.Read(buf); err != nil {
					h.logger.Debug("track read ended", zap.Error(err))
					return
				}
			}
		}()
	})

	peerConnection.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		h.logger.Info("connection state", zap.Stringer("state", state))
		if state == webrtc.PeerConnectionStateFailed || state == webrtc.PeerConnectionStateClosed {
			_ = peerConnection.Close()
		}
	})

	if err := peerConnection.SetRemoteDescription(offer); err != nil {
		_ = peerConnection.Close()
		h.fail(w, http.StatusBadRequest, "failed to set remote description", err)
		return
	}

	answer, err := peerConnection.CreateAnswer(nil)
	if err != nil {
		_ = peerConnection.Close()
		h.fail(w, http.StatusInternalServerError, "failed to create answer", err)
		return
	}

	gatherComplete := webrtc.GatheringCompletePromise(peerConnection)
	if err := peerConnection.SetLocalDescription(answer); err != nil {
		_ = peerConnection.Close()
		h.fail(w, http.StatusInternalServerError, "failed to set local description", err)
		return
	}
	<-gatherComplete

	h.track(peerConnection)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(peerConnection.LocalDescription())

	h.logger.Info("WebRTC connection established, sending REMB")
}

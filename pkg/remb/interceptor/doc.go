// Package interceptor provides a Pion WebRTC interceptor running REMB
// receiver-driven congestion control.
//
// On the receiving side it keeps RFC 3550 statistics for every remote RTP
// stream and periodically writes the REMB (Receiver Estimated Maximum
// Bitrate) RTCP feedback produced by a remb.LocalEstimator. On the sending
// side it hands every REMB received from the peer to a remb.RemoteRelay,
// which shapes and clamps it and forwards it to a remb.RateLimitSink
// driving the encoder.
//
// # Quick Start
//
// Register the interceptor factory with your Pion WebRTC API:
//
//	import (
//	    "github.com/pion/interceptor"
//	    "github.com/pion/webrtc/v4"
//	    "github.com/thesyncim/remb/pkg/remb"
//	    rembint "github.com/thesyncim/remb/pkg/remb/interceptor"
//	)
//
//	func setupPeerConnection(encoder remb.RateLimitSink) (*webrtc.PeerConnection, error) {
//	    m := &webrtc.MediaEngine{}
//	    if err := m.RegisterDefaultCodecs(); err != nil {
//	        return nil, err
//	    }
//
//	    i := &interceptor.Registry{}
//	    rembFactory, err := rembint.NewREMBInterceptorFactory(
//	        rembint.WithRateLimitSink(encoder),
//	    )
//	    if err != nil {
//	        return nil, err
//	    }
//	    i.Add(rembFactory)
//
//	    api := webrtc.NewAPI(
//	        webrtc.WithMediaEngine(m),
//	        webrtc.WithInterceptorRegistry(i),
//	    )
//	    return api.NewPeerConnection(webrtc.Configuration{})
//	}
//
// # How It Works
//
// 1. BindRemoteStream registers the stream's SSRC with the estimator and
// wraps the reader; every RTP packet updates sequence, loss and byte
// counters.
//
// 2. BindRTCPWriter starts a loop that calls LocalEstimator.OnAboutToSend
// every RTCP interval (500ms by default). The estimator sends at most once
// per its own send interval (1s by default).
//
// 3. BindRTCPReader wraps the reader; REMB packets in received compound
// RTCP are passed to RemoteRelay.OnReceived.
//
// 4. BindLocalStream fires the relay bootstrap once, addressed to the first
// local stream, so the encoder does not start at zero.
//
// 5. Remote streams without packets for 5 seconds stop contributing and
// are registered again when packets resume.
package interceptor

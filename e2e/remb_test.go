//go:build e2e

package e2e

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/go-rod/rod"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/thesyncim/remb/cmd/chrome-interop/server"
	"github.com/thesyncim/remb/pkg/remb"
	"github.com/thesyncim/remb/pkg/remb/testutil"
)

// TestChrome_FollowsREMB validates the receive side end to end:
// 1. Server starts and browser connects via WebRTC with TWCC removed
// 2. The server's estimator sends REMB computed from the received stream
// 3. Chrome's availableOutgoingBitrate stays under the configured ceiling
func TestChrome_FollowsREMB(t *testing.T) {
	const ceilingKbps = 1500

	cfg := server.DefaultConfig()
	cfg.Logger = zaptest.NewLogger(t)
	cfg.Estimator.MaxBandwidth = ceilingKbps
	cfg.RTCPInterval = 250 * time.Millisecond
	srv, err := server.NewServer(cfg)
	require.NoError(t, err)

	addr, err := srv.Start()
	require.NoError(t, err)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, srv.Shutdown(ctx))
	}()

	client, err := testutil.NewBrowserClient(testutil.DefaultBrowserConfig())
	require.NoError(t, err)
	defer func() {
		assert.NoError(t, client.Close())
	}()

	// localhost is a secure context, which getUserMedia requires. The
	// server reports [::]:port.
	_, port, _ := net.SplitHostPort(addr)
	page, err := client.Navigate("http://localhost:" + port)
	require.NoError(t, err)
	require.NoError(t, client.WaitStable())

	// Start the call directly rather than through startCall(), whose error
	// handling tears the call down.
	result, err := page.Eval(`() => {
		return new Promise(async (resolve, reject) => {
			try {
				const stream = await navigator.mediaDevices.getUserMedia({
					video: { width: 640, height: 480, frameRate: 30 },
					audio: false
				});

				window.testPC = new RTCPeerConnection({ iceServers: [] });
				stream.getTracks().forEach(track => {
					window.testPC.addTrack(track, stream);
				});

				// Without transport-cc Chrome relies on REMB alone.
				function removeTransportCC(sdp) {
					sdp = sdp.replace(/a=rtcp-fb:\d+ transport-cc\r?\n/g, '');
					sdp = sdp.replace(/a=extmap:\d+ http:\/\/www\.ietf\.org\/id\/draft-holmer-rmcat-transport-wide-cc-extensions-01\r?\n/g, '');
					return sdp;
				}

				const offer = await window.testPC.createOffer();
				offer.sdp = removeTransportCC(offer.sdp);
				await window.testPC.setLocalDescription(offer);

				await new Promise((resolveIce) => {
					if (window.testPC.iceGatheringState === 'complete') {
						resolveIce();
					} else {
						window.testPC.onicecandidate = (e) => {
							if (e.candidate === null) resolveIce();
						};
					}
				});

				const response = await fetch('/offer', {
					method: 'POST',
					headers: { 'Content-Type': 'application/json' },
					body: JSON.stringify(window.testPC.localDescription)
				});
				if (!response.ok) {
					reject('Server returned ' + response.status);
					return;
				}

				const answer = await response.json();
				answer.sdp = removeTransportCC(answer.sdp);
				await window.testPC.setRemoteDescription(answer);

				// Let the page helpers read this connection.
				pc = window.testPC;
				resolve('connected');
			} catch (err) {
				reject(err.message || String(err));
			}
		});
	}`)
	require.NoError(t, err, "failed to start WebRTC call")
	t.Logf("WebRTC setup result: %s", result.Value.String())

	require.NoError(t, waitForConnectionTestPC(t, page, 30*time.Second))

	// The estimator needs one send interval to probe and a few more to
	// climb.
	require.Eventually(t, func() bool {
		return srv.Stats().REMBCount >= 3
	}, 15*time.Second, 250*time.Millisecond, "server should send REMB")

	stats := srv.Stats()
	t.Logf("REMB sent: count=%d last=%d bps ssrcs=%v", stats.REMBCount, stats.LastBitrate, stats.LastSSRCs)
	assert.NotEmpty(t, stats.LastSSRCs)
	assert.LessOrEqual(t, stats.LastBitrate, uint64(ceilingKbps*1000))
	assert.GreaterOrEqual(t, stats.LastBitrate, uint64(remb.MinBitrate))

	bitrate, err := client.OutgoingBitrate()
	require.NoError(t, err)
	t.Logf("Chrome availableOutgoingBitrate: %.0f bps", bitrate)

	assert.Greater(t, bitrate, 50_000.0)
	assert.LessOrEqual(t, bitrate, ceilingKbps*1000*1.1, "Chrome should not exceed the REMB ceiling")
}

// waitForConnectionTestPC polls testPC.connectionState until "connected" or timeout.
func waitForConnectionTestPC(t *testing.T, page *rod.Page, timeout time.Duration) error {
	t.Helper()

	deadline := time.Now().Add(timeout)
	pollInterval := 200 * time.Millisecond

	for time.Now().Before(deadline) {
		result, err := page.Eval(`() => {
			if (typeof testPC === 'undefined' || testPC === null) {
				return 'no-pc';
			}
			return testPC.connectionState;
		}`)
		if err != nil {
			return errors.Wrap(err, "failed to check connection state")
		}

		state := result.Value.String()
		t.Logf("Connection state: %s", state)

		switch state {
		case "connected":
			return nil
		case "failed":
			return errors.New("connection failed")
		case "closed":
			return errors.New("connection closed")
		}

		time.Sleep(pollInterval)
	}

	return errors.Errorf("timeout waiting for connection (waited %v)", timeout)
}

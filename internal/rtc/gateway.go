package rtc

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hraban/opus"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"

	"github.com/yminds/interview-core/internal/media"
)

// SessionDescription is a small DTO so transport never exposes webrtc types.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// signalMessage is the signaling frame format.
// Types: "offer", "answer", "candidate", "ice-complete", "bye", "error".
type signalMessage struct {
	Type          string  `json:"type"`
	SDP           string  `json:"sdp,omitempty"`
	Candidate     string  `json:"candidate,omitempty"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  65536,
	WriteBufferSize: 65536,
	CheckOrigin: func(r *http.Request) bool {
		// interview rooms are joined via signed links; origin is not the gate
		return true
	},
}

// Gateway terminates candidate media. Each websocket connection becomes one
// peer carrying the microphone stream and, once sharing starts, the screen
// stream.
type Gateway struct {
	iceServersJSON string
	onPeer         func(*Peer)
}

// NewGateway builds a gateway. onPeer fires once per established peer.
func NewGateway(iceServersJSON string, onPeer func(*Peer)) *Gateway {
	return &Gateway{iceServersJSON: iceServersJSON, onPeer: onPeer}
}

// Peer is one connected candidate. Remote tracks are grouped by their
// browser stream id and surfaced as media streams; Writer feeds the
// outgoing interviewer audio track.
type Peer struct {
	pc     *webrtc.PeerConnection
	writer *OpusPacedWriter

	onStream func(*media.Stream)
	closed   chan struct{}
}

// Writer returns the paced writer for outgoing speech.
func (p *Peer) Writer() *OpusPacedWriter { return p.writer }

// OnStream registers the callback receiving each remote stream. Audio and
// video tracks of one stream id share a single media.Stream; the callback
// fires when its first track arrives.
func (p *Peer) OnStream(fn func(*media.Stream)) { p.onStream = fn }

// Done closes when the peer connection ends.
func (p *Peer) Done() <-chan struct{} { return p.closed }

// Close tears the peer down.
func (p *Peer) Close() {
	select {
	case <-p.closed:
		return
	default:
	}
	_ = p.pc.Close()
}

// HandleOffer performs a single-shot offer/answer exchange for clients that
// do not hold a signaling socket. ICE candidates are gathered fully before
// the answer is returned.
func (g *Gateway) HandleOffer(ctx context.Context, offer SessionDescription) (SessionDescription, error) {
	if offer.Type != "offer" || offer.SDP == "" {
		return SessionDescription{}, errors.New("invalid offer")
	}
	peer, err := g.newPeer()
	if err != nil {
		return SessionDescription{}, err
	}
	if g.onPeer != nil {
		g.onPeer(peer)
	}
	remoteOffer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP}
	if err := peer.pc.SetRemoteDescription(remoteOffer); err != nil {
		peer.Close()
		return SessionDescription{}, err
	}
	answer, err := peer.pc.CreateAnswer(nil)
	if err != nil {
		peer.Close()
		return SessionDescription{}, err
	}
	gatherComplete := webrtc.GatheringCompletePromise(peer.pc)
	if err := peer.pc.SetLocalDescription(answer); err != nil {
		peer.Close()
		return SessionDescription{}, err
	}
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		peer.Close()
		return SessionDescription{}, ctx.Err()
	}
	local := peer.pc.LocalDescription()
	if local == nil {
		peer.Close()
		return SessionDescription{}, errors.New("no local description")
	}
	return SessionDescription{Type: "answer", SDP: local.SDP}, nil
}

// ServeWebSocket upgrades to websocket and performs offer/answer plus
// trickle ICE signaling, then keeps the connection open until the peer
// closes.
func (g *Gateway) ServeWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws upgrade error: %v", err)
		return
	}
	defer func() { _ = conn.Close() }()

	var offerSDP string
	for {
		mt, data, rerr := conn.ReadMessage()
		if rerr != nil {
			log.Printf("ws read error before offer: %v", rerr)
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		var m signalMessage
		if err := json.Unmarshal(data, &m); err != nil {
			continue
		}
		switch strings.ToLower(m.Type) {
		case "offer":
			if m.SDP != "" {
				offerSDP = m.SDP
			}
		case "bye":
			return
		}
		if offerSDP != "" {
			break
		}
	}

	peer, err := g.newPeer()
	if err != nil {
		_ = writeWSError(conn, err)
		return
	}
	defer peer.Close()

	if g.onPeer != nil {
		g.onPeer(peer)
	}

	peer.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			_ = conn.WriteJSON(signalMessage{Type: "ice-complete"})
			return
		}
		init := c.ToJSON()
		_ = conn.WriteJSON(signalMessage{Type: "candidate", Candidate: init.Candidate, SDPMid: init.SDPMid, SDPMLineIndex: init.SDPMLineIndex})
	})

	go func() {
		for {
			_, data, rerr := conn.ReadMessage()
			if rerr != nil {
				return
			}
			var m signalMessage
			if json.Unmarshal(data, &m) != nil {
				continue
			}
			switch strings.ToLower(m.Type) {
			case "candidate":
				if m.Candidate == "" {
					continue
				}
				_ = peer.pc.AddICECandidate(webrtc.ICECandidateInit{Candidate: m.Candidate, SDPMid: m.SDPMid, SDPMLineIndex: m.SDPMLineIndex})
			case "bye":
				peer.Close()
				return
			}
		}
	}()

	remoteOffer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerSDP}
	if err := peer.pc.SetRemoteDescription(remoteOffer); err != nil {
		_ = writeWSError(conn, err)
		return
	}
	answer, err := peer.pc.CreateAnswer(nil)
	if err != nil {
		_ = writeWSError(conn, err)
		return
	}
	if err := peer.pc.SetLocalDescription(answer); err != nil {
		_ = writeWSError(conn, err)
		return
	}
	local := peer.pc.LocalDescription()
	if local == nil {
		_ = writeWSError(conn, errors.New("no local description"))
		return
	}
	if err := conn.WriteJSON(signalMessage{Type: "answer", SDP: local.SDP}); err != nil {
		log.Printf("ws write answer error: %v", err)
		return
	}

	<-peer.closed
}

// newPeer prepares a peer connection with default codecs and interceptors
// plus the outgoing interviewer audio track.
func (g *Gateway) newPeer() (*Peer, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, ir); err != nil {
		return nil, err
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine), webrtc.WithInterceptorRegistry(ir))

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: parseICEServers(g.iceServersJSON)})
	if err != nil {
		return nil, err
	}
	outTrack, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 1},
		"interviewer-audio", "interviewer",
	)
	if err != nil {
		_ = pc.Close()
		return nil, err
	}
	if _, err := pc.AddTrack(outTrack); err != nil {
		_ = pc.Close()
		return nil, err
	}
	writer, err := NewOpusPacedWriter(outTrack)
	if err != nil {
		_ = pc.Close()
		return nil, err
	}

	peer := &Peer{pc: pc, writer: writer, closed: make(chan struct{})}
	streams := map[string]*media.Stream{}

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Printf("peer state: %s", state.String())
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed, webrtc.PeerConnectionStateDisconnected:
			select {
			case <-peer.closed:
			default:
				close(peer.closed)
			}
			writer.FlushTail()
			time.AfterFunc(400*time.Millisecond, writer.Close)
			_ = pc.Close()
		}
	})
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		log.Printf("ICE state: %s", state.String())
	})

	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		id := remote.StreamID()
		stream, known := streams[id]
		if !known {
			stream = &media.Stream{ID: id}
			streams[id] = stream
		}
		switch remote.Kind() {
		case webrtc.RTPCodecTypeAudio:
			log.Printf("remote audio track: stream=%s codec=%s", id, remote.Codec().MimeType)
			dec, derr := opus.NewDecoder(48000, 1)
			if derr != nil {
				log.Printf("opus decoder error: %v", derr)
				return
			}
			buffered := media.NewBufferedPCM(48000, 256)
			stream.Audio = buffered
			go readAudioTrack(remote, dec, buffered, peer.closed)
		case webrtc.RTPCodecTypeVideo:
			log.Printf("remote video track: stream=%s codec=%s", id, remote.Codec().MimeType)
			buffered := media.NewBufferedChunks(256)
			stream.Video = buffered
			go readVideoTrack(remote, buffered, peer.closed)
		}
		if !known && peer.onStream != nil {
			peer.onStream(stream)
		}
	})

	return peer, nil
}

// readAudioTrack decodes incoming opus RTP into the buffered PCM source.
func readAudioTrack(remote *webrtc.TrackRemote, dec *opus.Decoder, out *media.BufferedPCM, done chan struct{}) {
	defer out.Close()
	samples := make([]int16, 1920)
	for {
		select {
		case <-done:
			return
		default:
		}
		pkt, _, err := remote.ReadRTP()
		if err != nil {
			return
		}
		if len(pkt.Payload) == 0 {
			continue
		}
		n, derr := dec.Decode(pkt.Payload, samples)
		if derr != nil {
			continue
		}
		frame := make(media.Frame, n)
		copy(frame, samples[:n])
		_ = out.Push(frame)
	}
}

// readVideoTrack forwards encoded video payloads without transcoding.
func readVideoTrack(remote *webrtc.TrackRemote, out *media.BufferedChunks, done chan struct{}) {
	defer out.Close()
	for {
		select {
		case <-done:
			return
		default:
		}
		pkt, _, err := remote.ReadRTP()
		if err != nil {
			return
		}
		if len(pkt.Payload) == 0 {
			continue
		}
		data := make([]byte, len(pkt.Payload))
		copy(data, pkt.Payload)
		_ = out.Push(data)
	}
}

func writeWSError(conn *websocket.Conn, err error) error {
	return conn.WriteJSON(map[string]string{"type": "error", "error": err.Error()})
}

func parseICEServers(iceJSON string) []webrtc.ICEServer {
	var servers []webrtc.ICEServer
	if err := json.Unmarshal([]byte(iceJSON), &servers); err == nil && len(servers) > 0 {
		return servers
	}
	return []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
}

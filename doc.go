// Package deskstream implements the core of a real-time screen streaming
// system: a host captures, encodes and sends frames while a viewer
// receives, decodes and presents them, with input and quality control
// flowing back over an authenticated datagram session.
//
// # Getting Started
//
// Both sides create a peer over a net.PacketConn, run the handshake with
// parameters supplied by signaling and start the pipeline:
//
//	options := deskstream.NewOptions()
//
//	host, err := deskstream.NewHost(conn, options, capture, input)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer host.Close(context.Background())
//
//	err = host.Connect(ctx, transport.ConnectParams{
//	    RemoteAddr: viewerAddr,
//	    Secret:     sharedSecret,
//	    Initiator:  true,
//	    SessionID:  "desk-1",
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := host.Start(); err != nil {
//	    log.Fatal(err)
//	}
//	err = host.Wait()
//
// A [Viewer] is built the same way with a presenter instead of a capture
// source, and forwards input with [Viewer.SendInput].
//
// # Core Types
//
//   - [Host]: owns the session and the sending pipeline
//   - [Viewer]: owns the session and the receiving pipeline
//   - [Options]: transport, codec, quality, jitter and device configuration
//   - [Stats]: session and pipeline statistics of one peer
//
// # Failure Handling
//
// A lost GPU device or a codec failure stops only the pipeline. The peer
// closes the device, creates a new one through Options.DeviceFactory and
// rebuilds the pipeline over the same session, up to Options.MaxResets
// times. A session failure (handshake timeout, keepalive timeout,
// integrity failure, retransmission exhausted) is terminal and returned by
// Wait wrapped in av.ErrSessionFailure.
//
// # Subpackages
//
//   - transport: session state machine, channels, handshake and congestion state
//   - av: sender and receiver pipelines, frame queue and quality control
//   - av/video: color conversion and the dsv1 codec
//   - av/fragment: packetization, reassembly and the jitter buffer
//   - gpu: devices, buffer arenas, fences and leases
//   - metrics: Prometheus export of session and pipeline statistics
//   - netsim: in-memory lossy network for tests and demos
package deskstream

// Package coordinator ties the registry, rooms, session manager, risk
// aggregation and alert engine together behind the connection protocol.
//
// Each connection gets a Handler whose HandleMessage is called from the
// connection's read loop, so messages from one connection are processed in
// arrival order. Frames that carry an image are scored after the vision
// collaborator answers, on the dispatcher's goroutine, so a slow analysis
// never holds up the rest of that connection's traffic. Such a frame may
// therefore reach the smoothed score after later frames without images.
//
// Inbound envelopes look like
//
//	{"type": "telemetry", "data": {"perCategoryScores": {"faceDetection": 0.2}, "sequenceNumber": 7}}
//
// and every reply or fan-out event is a router.Event.
package coordinator

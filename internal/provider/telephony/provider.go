// Package telephony defines the Provider interface for outbound call
// placement and the instruction documents returned to the carrier's
// webhooks.
//
// A telephony provider wraps a programmable voice carrier (e.g. Twilio or
// SignalWire). Placing a call is synchronous: the carrier accepts the request
// and returns a call SID before the callee's phone rings. Everything after
// that arrives on our webhooks, correlated by that SID.
//
// Instruction documents are only ever returned from the answer webhook.
// Once that document bridges the call into the media stream, all further
// audio, the closing message included, is written directly onto the stream
// by the dialog runtime, which then hangs up through EndCall. There is no
// mid-call instruction push.
package telephony

import (
	"context"
	"encoding/xml"
	"fmt"
)

// CallRequest describes an outbound call to place.
type CallRequest struct {
	// To is the callee's phone number in E.164 format.
	To string

	// From is the caller ID in E.164 format.
	From string

	// AnswerURL is the webhook the carrier requests when the callee answers.
	// The response body must be an instruction document.
	AnswerURL string

	// StatusURL is the webhook the carrier posts lifecycle events to
	// (ringing, completed, busy, no-answer, failed).
	StatusURL string

	// RecordingURL is the webhook the carrier posts the recording location
	// to once the call recording is ready. Empty disables recording.
	RecordingURL string
}

// Provider is the abstraction over any programmable voice carrier.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// PlaceCall asks the carrier to dial the callee. It returns the
	// carrier-assigned call SID, which identifies the call on every
	// subsequent webhook. The SID is known before the call connects.
	PlaceCall(ctx context.Context, req CallRequest) (string, error)

	// EndCall tells the carrier to hang up an in-progress call.
	EndCall(ctx context.Context, sid string) error
}

// Instruction document elements, serialised as the carrier's XML dialect.
// A Response wraps verbs executed in order: Say speaks text with the
// carrier's built-in voice, Play fetches and plays an audio URL, Connect
// bridges the call audio to a bidirectional media stream, Hangup ends the
// call.

// Response is the root of an instruction document.
type Response struct {
	XMLName xml.Name `xml:"Response"`
	Verbs   []any
}

// Say speaks text using the carrier's built-in synthesis.
type Say struct {
	XMLName xml.Name `xml:"Say"`
	Voice   string   `xml:"voice,attr,omitempty"`
	Text    string   `xml:",chardata"`
}

// Play fetches an audio URL and plays it into the call.
type Play struct {
	XMLName xml.Name `xml:"Play"`
	URL     string   `xml:",chardata"`
}

// Connect bridges call audio to a media stream endpoint.
type Connect struct {
	XMLName xml.Name `xml:"Connect"`
	Stream  Stream   `xml:"Stream"`
}

// Stream names the WebSocket URL the carrier opens its media stream to.
type Stream struct {
	URL string `xml:"url,attr"`
}

// Hangup ends the call.
type Hangup struct {
	XMLName xml.Name `xml:"Hangup"`
}

// Pause waits silently for the given number of seconds.
type Pause struct {
	XMLName xml.Name `xml:"Pause"`
	Length  int      `xml:"length,attr"`
}

// Redirect hands control to another webhook URL; the carrier requests a
// fresh instruction document from it.
type Redirect struct {
	XMLName xml.Name `xml:"Redirect"`
	URL     string   `xml:",chardata"`
}

// MarshalXML writes the verbs in order inside the Response element.
func (r Response) MarshalXML(e *xml.Encoder, start xml.StartElement) error {
	start.Name.Local = "Response"
	if err := e.EncodeToken(start); err != nil {
		return err
	}
	for _, v := range r.Verbs {
		if err := e.Encode(v); err != nil {
			return err
		}
	}
	return e.EncodeToken(start.End())
}

// Render serialises the instruction document with the XML header the
// carrier expects.
func (r Response) Render() (string, error) {
	out, err := xml.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("marshaling instruction document: %w", err)
	}
	return xml.Header + string(out), nil
}

// AnswerInstructions builds the document returned from the answer webhook:
// play the hosted greeting audio, then bridge the call into the media
// stream so the dialog runtime takes over.
func AnswerInstructions(greetingURL, streamURL string) Response {
	verbs := []any{}
	if greetingURL != "" {
		verbs = append(verbs, Play{URL: greetingURL})
	}
	verbs = append(verbs, Connect{Stream: Stream{URL: streamURL}})
	return Response{Verbs: verbs}
}

// RejectInstructions builds the document for a call we cannot correlate to
// any known state: apologise and hang up.
func RejectInstructions(message string) Response {
	return Response{Verbs: []any{
		Say{Text: message},
		Hangup{},
	}}
}

// HoldInstructions builds the document for an answer that arrived before
// the call row finished committing: wait briefly, then ask retryURL for
// instructions again.
func HoldInstructions(retryURL string) Response {
	return Response{Verbs: []any{
		Pause{Length: 2},
		Redirect{URL: retryURL},
	}}
}

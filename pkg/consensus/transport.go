package consensus

import (
	"bytes"
	"context"
	"fmt"
	"io/ioutil"
	"net"
	"net/http"
	"net/url"
	"time"
)

// Transport carries peer messages. A delivery failure or an expired deadline
// is reported as an error to the caller; the node treats it as the absence
// of a response, never as a denial.
type Transport interface {
	SendVoteRequest(ctx context.Context, peer NodeData, req *VoteRequest) (*VoteResponse, error)
	SendHeartbeat(ctx context.Context, peer NodeData, hb *Heartbeat) (*HeartbeatResponse, error)
}

// HTTPTransport exchanges JSON-encoded messages over plain HTTP. Each
// exchange is a single POST request; the response body carries the encoded
// response message.
type HTTPTransport struct {
	Id NodeId

	client *http.Client
}

func NewHTTPTransport(id NodeId) *HTTPTransport {
	transport := http.Transport{
		Proxy: http.ProxyFromEnvironment,

		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 10 * time.Second,
		}).DialContext,

		MaxIdleConns: 30,

		IdleConnTimeout:       60 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	client := http.Client{
		Transport: &transport,
	}

	return &HTTPTransport{
		Id: id,

		client: &client,
	}
}

func (t *HTTPTransport) SendVoteRequest(ctx context.Context, peer NodeData, req *VoteRequest) (*VoteResponse, error) {
	msg, err := t.call(ctx, peer, req)
	if err != nil {
		return nil, err
	}

	res, ok := msg.(*VoteResponse)
	if !ok {
		return nil, fmt.Errorf("unexpected response message %v", msg)
	}

	return res, nil
}

func (t *HTTPTransport) SendHeartbeat(ctx context.Context, peer NodeData, hb *Heartbeat) (*HeartbeatResponse, error) {
	msg, err := t.call(ctx, peer, hb)
	if err != nil {
		return nil, err
	}

	res, ok := msg.(*HeartbeatResponse)
	if !ok {
		return nil, fmt.Errorf("unexpected response message %v", msg)
	}

	return res, nil
}

func (t *HTTPTransport) call(ctx context.Context, peer NodeData, msg Message) (Message, error) {
	msgData, err := EncodeMessage(msg)
	if err != nil {
		return nil, fmt.Errorf("cannot encode message: %w", err)
	}

	uri := url.URL{
		Scheme: "http",
		Host:   string(peer.PublicAddress),
	}

	req, err := http.NewRequestWithContext(ctx, "POST", uri.String(),
		bytes.NewReader(msgData))
	if err != nil {
		return nil, fmt.Errorf("cannot create http request: %w", err)
	}

	req.Header.Set("X-Aether-Source-Id", string(t.Id))

	res, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cannot send request: %w", err)
	}
	defer res.Body.Close()

	body, err := ioutil.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("cannot read response: %w", err)
	}

	if res.StatusCode != 200 {
		return nil, fmt.Errorf("request failed with status %d", res.StatusCode)
	}

	resMsg, err := DecodeMessage(body)
	if err != nil {
		return nil, fmt.Errorf("invalid response message: %w", err)
	}

	return resMsg, nil
}

func (n *Node) startHTTPServer() error {
	listener, err := net.Listen("tcp", string(n.LocalAddress))
	if err != nil {
		return fmt.Errorf("cannot listen on %s: %w", n.LocalAddress, err)
	}

	n.httpServer = &http.Server{
		Addr:              string(n.LocalAddress),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      5 * time.Second,
		IdleTimeout:       60 * time.Second,
		Handler:           n,
	}

	go func() {
		defer func() {
			if value := recover(); value != nil {
				msg := RecoverValueString(value)
				trace := StackTrace(10)
				n.Log.Error("panic: %s\n%s", msg, trace)
			}
		}()

		if err := n.httpServer.Serve(listener); err != http.ErrServerClosed {
			n.errorChan <- fmt.Errorf("server error: %w", err)
			return
		}
	}()

	return nil
}

func (n *Node) stopHTTPServer() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	n.httpServer.Shutdown(ctx)
}

func (n *Node) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	// Obtain the identifier of the sender of the message
	sourceId := req.Header.Get("X-Aether-Source-Id")
	if sourceId == "" {
		n.replyError(w, 400, "missing or empty X-Aether-Source-Id header field")
		return
	}

	// Read and decode the message
	data, err := ioutil.ReadAll(req.Body)
	if err != nil {
		n.replyError(w, 500, "cannot read request body: %v", err)
		return
	}

	msg, err := DecodeMessage(data)
	if err != nil {
		n.replyError(w, 400, "invalid message: %v", err)
		return
	}

	// Hand the message to the main goroutine and wait for its response
	resMsg, err := n.handleMessage(req.Context(), NodeId(sourceId), msg)
	if err != nil {
		n.replyError(w, 503, "cannot handle message: %v", err)
		return
	}

	resData, err := EncodeMessage(resMsg)
	if err != nil {
		n.replyError(w, 500, "cannot encode response: %v", err)
		return
	}

	w.WriteHeader(200)
	w.Write(resData)
}

func (n *Node) replyText(w http.ResponseWriter, status int, format string, args ...interface{}) {
	w.WriteHeader(status)
	fmt.Fprintf(w, format, args...)
}

func (n *Node) replyError(w http.ResponseWriter, status int, format string, args ...interface{}) {
	n.Log.Error(format, args...)
	n.replyText(w, status, format, args...)
}

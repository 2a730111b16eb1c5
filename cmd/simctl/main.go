// Command simctl sends a single control-plane procedure to a running
// simulator over its UI WebSocket and prints the aggregated response.
//
//	simctl -url ws://localhost:8080/ws -procedure listChargingStations
//	simctl -procedure startTransaction -payload '{"hashIds":["..."],"connectorIds":[1]}'
package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
)

func main() {
	var (
		url       = flag.String("url", "ws://localhost:8080/ws", "UI WebSocket endpoint")
		version   = flag.String("version", "0.0.1", "UI protocol version")
		procedure = flag.String("procedure", "", "procedure name, e.g. simulatorState")
		payload   = flag.String("payload", "{}", "request payload as JSON")
		username  = flag.String("username", "", "basic auth username")
		password  = flag.String("password", "", "basic auth password")
		timeout   = flag.Duration("timeout", 3*time.Minute, "time to wait for the response")
	)
	flag.Parse()

	if *procedure == "" {
		fmt.Fprintln(os.Stderr, "simctl: -procedure is required")
		flag.Usage()
		os.Exit(2)
	}
	if !json.Valid([]byte(*payload)) {
		fmt.Fprintln(os.Stderr, "simctl: -payload is not valid JSON")
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := run(ctx, *url, *version, *procedure, *payload, *username, *password); err != nil {
		fmt.Fprintln(os.Stderr, "simctl:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, url, version, procedure, payload, username, password string) error {
	opts := &websocket.DialOptions{
		Subprotocols: []string{"ui" + version},
	}
	if username != "" {
		opts.HTTPHeader = map[string][]string{
			"Authorization": {basicAuth(username, password)},
		}
	}

	conn, _, err := websocket.Dial(ctx, url, opts)
	if err != nil {
		return fmt.Errorf("dial %s: %w", url, err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	id := uuid.NewString()
	envelope, err := json.Marshal([]any{id, procedure, json.RawMessage(payload)})
	if err != nil {
		return err
	}
	if err := conn.Write(ctx, websocket.MessageText, envelope); err != nil {
		return fmt.Errorf("write request: %w", err)
	}

	// Responses to other clients' requests may interleave; match on uuid.
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}

		var elems []json.RawMessage
		if err := json.Unmarshal(data, &elems); err != nil || len(elems) != 2 {
			continue
		}
		var respID string
		if err := json.Unmarshal(elems[0], &respID); err != nil || respID != id {
			continue
		}

		var pretty bytes.Buffer
		if err := json.Indent(&pretty, elems[1], "", "  "); err != nil {
			fmt.Println(string(elems[1]))
			return nil
		}
		fmt.Println(pretty.String())
		return nil
	}
}

func basicAuth(username, password string) string {
	creds := username + ":" + password
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(creds))
}

package saga

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

const wmsTimeout = 10 * time.Second

// wmsClient speaks the warehouse's pipe-delimited line protocol. Connections
// are one-shot: dial, one request, one reply, close.
type wmsClient struct {
	host string
	port int
}

// addPackage sends ADD_PACKAGE and returns the warehouse reference from
// ACK|ADD_PACKAGE|<order_id>|<wms_ref>|<state>.
func (c *wmsClient) addPackage(ctx context.Context, orderID string, packageDetails map[string]any) (string, error) {
	details, err := json.Marshal(packageDetails)
	if err != nil {
		return "", fmt.Errorf("failed to encode package details: %w", err)
	}

	reply, err := c.send(ctx, fmt.Sprintf("ADD_PACKAGE|%s|%s", orderID, details))
	if err != nil {
		return "", err
	}

	parts := strings.Split(reply, "|")
	if parts[0] != "ACK" || len(parts) < 4 {
		return "", fmt.Errorf("WMS ADD_PACKAGE failed: %s", reply)
	}
	return parts[3], nil
}

// cancelPackage is the compensating action for addPackage.
func (c *wmsClient) cancelPackage(ctx context.Context, orderID string) error {
	reply, err := c.send(ctx, "CANCEL_PACKAGE|"+orderID)
	if err != nil {
		return err
	}
	if !strings.HasPrefix(reply, "ACK") {
		return fmt.Errorf("WMS CANCEL_PACKAGE failed: %s", reply)
	}
	return nil
}

func (c *wmsClient) send(ctx context.Context, command string) (string, error) {
	dialer := net.Dialer{Timeout: wmsTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(c.host, strconv.Itoa(c.port)))
	if err != nil {
		return "", fmt.Errorf("failed to connect to WMS: %w", err)
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(wmsTimeout)); err != nil {
		return "", fmt.Errorf("failed to set WMS deadline: %w", err)
	}

	if _, err := conn.Write([]byte(command + "\n")); err != nil {
		return "", fmt.Errorf("failed to write WMS command: %w", err)
	}

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("failed to read WMS response: %w", err)
	}
	return strings.TrimSpace(line), nil
}

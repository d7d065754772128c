package stream

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"
	"time"

	. "github.com/roelfdiedericks/llm-routing-proxy/internal/logging"
)

// Some upstreams send response headers with empty values or stray bytes
// that net/http's strict parser rejects outright, killing an otherwise
// healthy stream. LenientDo speaks HTTP/1.1 directly over the socket and
// parses the response head permissively: a header line it can't make sense
// of is logged and skipped, never fatal. Only the streaming bridge uses
// this path — non-streaming traffic stays on the standard client.

// LenientResponse is the parsed response head plus the live body stream.
type LenientResponse struct {
	StatusCode int
	Header     map[string]string
	Body       io.ReadCloser
}

const connectTimeout = 5 * time.Second

// LenientDo issues method against rawURL with the given headers and body,
// returning the response with a body reader that tolerates malformed
// response heads. Cancel ctx to tear the connection down mid-stream.
func LenientDo(ctx context.Context, method, rawURL string, header map[string]string, body []byte) (*LenientResponse, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("stream: bad url %q: %w", rawURL, err)
	}

	host := u.Host
	if u.Port() == "" {
		if u.Scheme == "https" {
			host += ":443"
		} else {
			host += ":80"
		}
	}

	dialer := &net.Dialer{Timeout: connectTimeout}
	var conn net.Conn
	if u.Scheme == "https" {
		conn, err = tls.DialWithDialer(dialer, "tcp", host, &tls.Config{ServerName: u.Hostname()})
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", host)
	}
	if err != nil {
		return nil, fmt.Errorf("stream: connect %s: %w", host, err)
	}

	// A cancelled context closes the socket, which unblocks any pending
	// read in the framer within the runtime's poller latency.
	stop := context.AfterFunc(ctx, func() { conn.Close() })

	if err := writeRequest(conn, method, u, header, body); err != nil {
		stop()
		conn.Close()
		return nil, fmt.Errorf("stream: write request: %w", err)
	}

	br := bufio.NewReaderSize(conn, 64*1024)
	status, headers, err := readResponseHead(br)
	if err != nil {
		stop()
		conn.Close()
		return nil, fmt.Errorf("stream: read response head: %w", err)
	}

	var bodyReader io.Reader = br
	if strings.EqualFold(headers["transfer-encoding"], "chunked") {
		bodyReader = httputil.NewChunkedReader(br)
	} else if cl := headers["content-length"]; cl != "" {
		if n, err := strconv.ParseInt(cl, 10, 64); err == nil {
			bodyReader = io.LimitReader(br, n)
		}
	}

	return &LenientResponse{
		StatusCode: status,
		Header:     headers,
		Body:       &connBody{Reader: bodyReader, conn: conn, stop: stop},
	}, nil
}

type connBody struct {
	io.Reader
	conn net.Conn
	stop func() bool
}

func (b *connBody) Close() error {
	b.stop()
	return b.conn.Close()
}

func writeRequest(w io.Writer, method string, u *url.URL, header map[string]string, body []byte) error {
	path := u.RequestURI()
	if path == "" {
		path = "/"
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s %s HTTP/1.1\r\n", method, path)
	fmt.Fprintf(&buf, "Host: %s\r\n", u.Host)
	fmt.Fprintf(&buf, "Connection: close\r\n")
	fmt.Fprintf(&buf, "Accept: text/event-stream\r\n")
	for k, v := range header {
		fmt.Fprintf(&buf, "%s: %s\r\n", k, v)
	}
	if len(body) > 0 {
		fmt.Fprintf(&buf, "Content-Length: %d\r\n", len(body))
		if header["Content-Type"] == "" {
			fmt.Fprintf(&buf, "Content-Type: application/json\r\n")
		}
	}
	buf.WriteString("\r\n")
	buf.Write(body)

	_, err := w.Write(buf.Bytes())
	return err
}

// readResponseHead parses the status line and headers, permissively:
// header lines without a colon or with empty names are skipped (empty
// values are kept — they're legal, just unusual and known to break
// stricter parsers).
func readResponseHead(br *bufio.Reader) (int, map[string]string, error) {
	statusLine, err := readHeadLine(br)
	if err != nil {
		return 0, nil, err
	}
	status, err := parseStatusLine(statusLine)
	if err != nil {
		return 0, nil, err
	}

	headers := make(map[string]string)
	for {
		line, err := readHeadLine(br)
		if err != nil {
			return 0, nil, err
		}
		if len(strings.TrimSpace(line)) == 0 {
			return status, headers, nil
		}
		name, value, ok := strings.Cut(line, ":")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			L_trace("stream: skipping malformed response header", "line", line)
			continue
		}
		headers[strings.ToLower(name)] = strings.TrimSpace(value)
	}
}

func readHeadLine(br *bufio.Reader) (string, error) {
	line, err := br.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// parseStatusLine accepts "HTTP/1.1 200 OK" and sloppier variants — a
// missing reason phrase, extra spaces — as long as a status code is
// recoverable.
func parseStatusLine(line string) (int, error) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 0, fmt.Errorf("stream: unparseable status line %q", line)
	}
	code, err := strconv.Atoi(fields[1])
	if err != nil || code < 100 || code > 599 {
		return 0, fmt.Errorf("stream: bad status code in %q", line)
	}
	return code, nil
}

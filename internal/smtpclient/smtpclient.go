// Package smtpclient delivers outbound mail directly to the recipient
// domain's MX hosts. Each host is tried over implicit TLS first, then plain
// SMTP with opportunistic STARTTLS; the queue above it decides retry policy
// from the per-recipient status class.
package smtpclient

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"net/textproto"
	"sort"
	"strings"
	"time"

	"github.com/citadel-dev/citadel/internal/logger"
)

// Status classes, the first digit of the SMTP reply that settled the
// recipient.
const (
	ClassDelivered = 2
	ClassTempFail  = 4
	ClassPermFail  = 5
)

// RecipientStatus is the outcome for one envelope recipient.
type RecipientStatus struct {
	Addr     string
	Class    int
	Code     int
	Response string
}

// Options tunes a delivery attempt.
type Options struct {
	Helo    string // EHLO name, the node's fqdn
	Timeout time.Duration
	TryTLS  bool // offer-taking only; delivery proceeds without it
}

// Deliver pushes one message to every recipient in a single domain. The
// returned slice always has one entry per recipient; the error is non-nil
// only when no MX host could be reached at all (everything tempfails).
func Deliver(ctx context.Context, domain, envFrom string, rcpts []string, data []byte, opts Options) ([]RecipientStatus, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Minute
	}
	hosts := lookupMailHosts(ctx, domain)
	if len(hosts) == 0 {
		return tempfailAll(rcpts, fmt.Sprintf("no mail exchanger for %s", domain)),
			fmt.Errorf("no mail exchanger for %s", domain)
	}

	var lastErr error
	for _, host := range hosts {
		statuses, err := deliverToHost(ctx, host, envFrom, rcpts, data, opts)
		if err != nil {
			logger.Warn("mx host unreachable",
				logger.KeyHost, host,
				"domain", domain,
				logger.Err(err))
			lastErr = err
			continue
		}
		return statuses, nil
	}
	return tempfailAll(rcpts, fmt.Sprintf("all mail exchangers for %s unreachable", domain)), lastErr
}

// lookupMailHosts resolves the delivery targets: MX records sorted by
// preference, falling back to the domain's own address record per RFC 5321.
func lookupMailHosts(ctx context.Context, domain string) []string {
	mxs, err := net.DefaultResolver.LookupMX(ctx, domain)
	if err != nil || len(mxs) == 0 {
		if _, aerr := net.DefaultResolver.LookupHost(ctx, domain); aerr == nil {
			return []string{domain}
		}
		return nil
	}
	sort.SliceStable(mxs, func(i, j int) bool { return mxs[i].Pref < mxs[j].Pref })
	hosts := make([]string, 0, len(mxs))
	for _, mx := range mxs {
		host := strings.TrimSuffix(mx.Host, ".")
		// A single null MX means the domain refuses mail outright.
		if host == "" {
			continue
		}
		hosts = append(hosts, host)
	}
	return hosts
}

// Delivery ports. Implicit TLS is tried first, cleartext with opportunistic
// STARTTLS second.
const (
	smtpsPort = "465"
	smtpPort  = "25"
)

// deliverToHost dials one MX host and runs the transaction. A
// connection-level failure returns an error so the caller can move to the
// next MX; protocol-level refusals are folded into the per-recipient
// statuses.
func deliverToHost(ctx context.Context, host, envFrom string, rcpts []string, data []byte, opts Options) ([]RecipientStatus, error) {
	conn, encrypted, err := dialSMTP(ctx, host, smtpsPort, smtpPort, &tls.Config{ServerName: host}, opts.Timeout)
	if err != nil {
		return nil, err
	}
	if encrypted {
		// Already under TLS; the host will not offer STARTTLS again.
		opts.TryTLS = false
	}
	return transact(conn, host, envFrom, rcpts, data, opts)
}

// dialSMTP connects to one mail host: implicit TLS on the smtps port first,
// plain TCP on the smtp port when that fails. The smtps probe runs on a
// short deadline so hosts that silently drop 465 do not stall the queue.
func dialSMTP(ctx context.Context, host, tlsPort, plainPort string, tc *tls.Config, timeout time.Duration) (net.Conn, bool, error) {
	probe := timeout
	if probe > 10*time.Second {
		probe = 10 * time.Second
	}
	td := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: probe},
		Config:    tc,
	}
	if conn, err := td.DialContext(ctx, "tcp", net.JoinHostPort(host, tlsPort)); err == nil {
		return conn, true, nil
	}
	dialer := &net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, plainPort))
	if err != nil {
		return nil, false, err
	}
	return conn, false, nil
}

// transact runs the SMTP exchange on an established connection.
func transact(conn net.Conn, host, envFrom string, rcpts []string, data []byte, opts Options) ([]RecipientStatus, error) {
	_ = conn.SetDeadline(time.Now().Add(opts.Timeout))

	client, err := smtp.NewClient(conn, host)
	if err != nil {
		conn.Close()
		return nil, err
	}
	defer client.Close()

	if err := client.Hello(opts.Helo); err != nil {
		return nil, err
	}
	if opts.TryTLS {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(&tls.Config{ServerName: host}); err != nil {
				// The far side offered TLS and then botched it. Starting
				// over without TLS is the queue's call; from here it is a
				// tempfail.
				return nil, fmt.Errorf("starttls: %w", err)
			}
		}
	}

	if err := client.Mail(envFrom); err != nil {
		class, code, msg := classify(err)
		return settleAll(rcpts, class, code, "MAIL FROM refused: "+msg), nil
	}

	statuses := make([]RecipientStatus, len(rcpts))
	accepted := 0
	for i, rcpt := range rcpts {
		if err := client.Rcpt(rcpt); err != nil {
			class, code, msg := classify(err)
			statuses[i] = RecipientStatus{Addr: rcpt, Class: class, Code: code, Response: msg}
			continue
		}
		statuses[i] = RecipientStatus{Addr: rcpt, Class: ClassDelivered, Code: 250, Response: "accepted"}
		accepted++
	}
	if accepted == 0 {
		_ = client.Quit()
		return statuses, nil
	}

	w, err := client.Data()
	if err != nil {
		class, code, msg := classify(err)
		markAccepted(statuses, class, code, "DATA refused: "+msg)
		return statuses, nil
	}
	if _, err := w.Write(data); err != nil {
		markAccepted(statuses, ClassTempFail, 421, "connection lost during DATA")
		return statuses, nil
	}
	if err := w.Close(); err != nil {
		class, code, msg := classify(err)
		markAccepted(statuses, class, code, msg)
		return statuses, nil
	}
	_ = client.Quit()
	return statuses, nil
}

// classify turns an SMTP error into (class, code, text). Anything that is
// not a structured reply is treated as a tempfail.
func classify(err error) (class, code int, msg string) {
	var te *textproto.Error
	if ok := asTextprotoError(err, &te); ok {
		class = te.Code / 100
		if class != ClassPermFail {
			class = ClassTempFail
		}
		return class, te.Code, te.Msg
	}
	return ClassTempFail, 421, err.Error()
}

func asTextprotoError(err error, out **textproto.Error) bool {
	for err != nil {
		if te, ok := err.(*textproto.Error); ok {
			*out = te
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func tempfailAll(rcpts []string, msg string) []RecipientStatus {
	return settleAll(rcpts, ClassTempFail, 421, msg)
}

func settleAll(rcpts []string, class, code int, msg string) []RecipientStatus {
	out := make([]RecipientStatus, len(rcpts))
	for i, r := range rcpts {
		out[i] = RecipientStatus{Addr: r, Class: class, Code: code, Response: msg}
	}
	return out
}

// markAccepted rewrites the status of recipients the server had accepted
// before the transaction fell over.
func markAccepted(statuses []RecipientStatus, class, code int, msg string) {
	for i := range statuses {
		if statuses[i].Class == ClassDelivered {
			statuses[i] = RecipientStatus{Addr: statuses[i].Addr, Class: class, Code: code, Response: msg}
		}
	}
}

package mailer

import (
	"errors"
	"fmt"
	"net"
	"net/textproto"
	"strings"

	mail "github.com/wneessen/go-mail"
)

// Kind classifies a channel failure for user-facing messages and triage.
type Kind string

const (
	KindNotConfigured    Kind = "not_configured"
	KindAuth             Kind = "auth"
	KindConnection       Kind = "connection"
	KindTimeout          Kind = "timeout"
	KindInvalidRecipient Kind = "invalid_recipient"
	KindRejected         Kind = "rejected"
)

// ChannelError is a classified transport failure.
type ChannelError struct {
	Kind Kind
	Err  error
}

func (e *ChannelError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *ChannelError) Unwrap() error { return e.Err }

// Message returns operator guidance for the failure class.
func (e *ChannelError) Message() string {
	switch e.Kind {
	case KindNotConfigured:
		return "Mail relay not configured. Set SMTP_USER and SMTP_PASS."
	case KindAuth:
		return "Authentication failed. Check the relay username and password; Gmail requires an app password."
	case KindConnection:
		return "Connection failed. Check SMTP_HOST and SMTP_PORT and network reachability."
	case KindTimeout:
		return "The relay did not respond in time. Check network and firewall settings."
	case KindInvalidRecipient:
		return "The recipient address was rejected as invalid."
	case KindRejected:
		return "The relay rejected the message."
	}
	return "Unknown channel failure."
}

func channelErr(kind Kind, err error) *ChannelError {
	return &ChannelError{Kind: kind, Err: err}
}

// Classify maps a transport error onto the failure taxonomy. Unrecognized
// errors default to connection failures, which is also the class that
// forces a reconnect.
func Classify(err error) *ChannelError {
	if err == nil {
		return nil
	}

	var ce *ChannelError
	if errors.As(err, &ce) {
		return ce
	}

	var sendErr *mail.SendError
	if errors.As(err, &sendErr) {
		switch sendErr.Reason {
		case mail.ErrSMTPRcptTo:
			return channelErr(KindInvalidRecipient, err)
		case mail.ErrSMTPMailFrom, mail.ErrSMTPData, mail.ErrSMTPDataClose:
			return channelErr(KindRejected, err)
		case mail.ErrConnCheck:
			return channelErr(KindConnection, err)
		}
	}

	var protoErr *textproto.Error
	if errors.As(err, &protoErr) {
		switch {
		case protoErr.Code == 530 || protoErr.Code == 534 || protoErr.Code == 535:
			return channelErr(KindAuth, err)
		case protoErr.Code == 501 || protoErr.Code == 553:
			return channelErr(KindInvalidRecipient, err)
		case protoErr.Code >= 550:
			return channelErr(KindRejected, err)
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return channelErr(KindTimeout, err)
	}

	var opErr *net.OpError
	var dnsErr *net.DNSError
	if errors.As(err, &opErr) || errors.As(err, &dnsErr) {
		return channelErr(KindConnection, err)
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "auth"):
		return channelErr(KindAuth, err)
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded"):
		return channelErr(KindTimeout, err)
	}

	return channelErr(KindConnection, err)
}

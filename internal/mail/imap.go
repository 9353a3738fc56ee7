package mail

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"net"
	"slices"
	"strconv"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/deadlined/internal/config"
	"github.com/fyrsmithlabs/deadlined/internal/deadline"
	"github.com/fyrsmithlabs/deadlined/internal/logging"
)

// IMAPConfig configures an IMAP mail source. Only password login over TLS is
// supported.
type IMAPConfig struct {
	Host     string
	Port     int
	Username string
	Password config.Secret
	Mailbox  string

	// Timeout bounds dialing and each IMAP command.
	// Default: 30 seconds
	Timeout time.Duration
}

// Validate checks the connection settings.
func (c *IMAPConfig) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d (must be 1-65535)", c.Port)
	}
	if c.Username == "" {
		return fmt.Errorf("username is required")
	}
	if !c.Password.IsSet() {
		return fmt.Errorf("password is required")
	}
	return nil
}

// imapSession is the subset of *client.Client used by IMAPSource.
type imapSession interface {
	Login(username, password string) error
	Select(name string, readOnly bool) (*imap.MailboxStatus, error)
	UidSearch(criteria *imap.SearchCriteria) ([]uint32, error)
	UidFetch(seqset *imap.SeqSet, items []imap.FetchItem, ch chan *imap.Message) error
	Logout() error
}

// IMAPSource reads messages from one mailbox of an IMAP server.
type IMAPSource struct {
	cfg    IMAPConfig
	logger *logging.Logger
	dial   func(ctx context.Context) (imapSession, error)
}

// NewIMAPSource creates an IMAP source. The connection is opened lazily by Fetch.
func NewIMAPSource(cfg IMAPConfig, logger *logging.Logger) (*IMAPSource, error) {
	if cfg.Mailbox == "" {
		cfg.Mailbox = "INBOX"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid imap config: %w", err)
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	s := &IMAPSource{cfg: cfg, logger: logger.Named("imap")}
	s.dial = s.dialTLS
	return s, nil
}

func (s *IMAPSource) dialTLS(ctx context.Context) (imapSession, error) {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	dialer := &net.Dialer{Timeout: s.cfg.Timeout}
	c, err := client.DialWithDialerTLS(dialer, addr, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	c.Timeout = s.cfg.Timeout
	return c, nil
}

// Name implements Source.
func (s *IMAPSource) Name() string {
	return "imap://" + s.cfg.Host + "/" + s.cfg.Mailbox
}

// Fetch implements Source. Connection, login, select and search failures are
// reported as *deadline.SourceUnavailableError.
func (s *IMAPSource) Fetch(ctx context.Context, since time.Time, limit int) iter.Seq2[RawMessage, error] {
	return func(yield func(RawMessage, error) bool) {
		unavailable := func(err error) {
			yield(RawMessage{}, &deadline.SourceUnavailableError{Source: s.Name(), Err: err})
		}

		c, err := s.dial(ctx)
		if err != nil {
			unavailable(err)
			return
		}
		defer func() {
			if err := c.Logout(); err != nil {
				s.logger.Debug(ctx, "imap logout failed", zap.Error(err))
			}
		}()

		if err := c.Login(s.cfg.Username, s.cfg.Password.Value()); err != nil {
			unavailable(fmt.Errorf("login: %w", err))
			return
		}
		if _, err := c.Select(s.cfg.Mailbox, true); err != nil {
			unavailable(fmt.Errorf("select %s: %w", s.cfg.Mailbox, err))
			return
		}

		criteria := imap.NewSearchCriteria()
		criteria.Since = since
		uids, err := c.UidSearch(criteria)
		if err != nil {
			unavailable(fmt.Errorf("search: %w", err))
			return
		}
		uids = newestUIDs(uids, limit)
		s.logger.Debug(ctx, "imap search complete",
			zap.String("mailbox", s.cfg.Mailbox),
			zap.Int("uids", len(uids)),
		)
		if len(uids) == 0 {
			return
		}

		s.stream(ctx, c, uids, yield)
	}
}

// stream fetches uids and yields them. Once the consumer stops, remaining
// messages are drained so the fetch command can complete.
func (s *IMAPSource) stream(ctx context.Context, c imapSession, uids []uint32, yield func(RawMessage, error) bool) {
	seqset := new(imap.SeqSet)
	seqset.AddNum(uids...)

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchUid, imap.FetchInternalDate, section.FetchItem()}

	messages := make(chan *imap.Message, 10)
	done := make(chan error, 1)
	go func() {
		done <- c.UidFetch(seqset, items, messages)
	}()

	stopped := false
	for msg := range messages {
		if stopped {
			continue
		}
		if err := ctx.Err(); err != nil {
			stopped = true
			yield(RawMessage{}, err)
			continue
		}

		raw, err := toRaw(msg, section, s.cfg.Mailbox)
		if err != nil {
			s.logger.Warn(ctx, "skipping unreadable imap message",
				zap.Uint32("uid", msg.Uid),
				zap.Error(err),
			)
			continue
		}
		if !yield(raw, nil) {
			stopped = true
		}
	}

	if err := <-done; err != nil && !stopped {
		yield(RawMessage{}, &deadline.SourceUnavailableError{Source: s.Name(), Err: fmt.Errorf("fetch: %w", err)})
	}
}

func toRaw(msg *imap.Message, section *imap.BodySectionName, mailbox string) (RawMessage, error) {
	body := msg.GetBody(section)
	if body == nil {
		return RawMessage{}, errors.New("server returned no body")
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return RawMessage{}, fmt.Errorf("read body: %w", err)
	}
	return RawMessage{
		ID:         strconv.FormatUint(uint64(msg.Uid), 10),
		Mailbox:    mailbox,
		ReceivedAt: msg.InternalDate,
		Data:       data,
	}, nil
}

// newestUIDs keeps the limit highest uids, highest first.
func newestUIDs(uids []uint32, limit int) []uint32 {
	out := slices.Clone(uids)
	slices.Sort(out)
	slices.Reverse(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

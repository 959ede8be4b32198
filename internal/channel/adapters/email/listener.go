package email

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/cateringcrm/omnichannel/internal/channel"
	"github.com/cateringcrm/omnichannel/internal/settings"
)

const maxIdleCheck = 2 * time.Minute

// Listen keeps an IMAP session on INBOX. It uses IDLE when offered and polls
// at the configured cadence otherwise. Progress is a UID cursor stored in
// settings; a fresh or reset mailbox starts at the current UIDNEXT so old
// mail is not imported.
func (a *Adapter) Listen(ctx context.Context, sink channel.EventSink) error {
	cfg, err := a.settings.Email(ctx)
	if err != nil {
		return err
	}
	if err := cfg.IMAPReady(); err != nil {
		return err
	}
	pollInterval := time.Duration(cfg.PollIntervalS) * time.Second

	newMail := make(chan struct{}, 1)
	client, mailbox, err := a.dialIMAP(cfg, func() {
		select {
		case newMail <- struct{}{}:
		default:
		}
	})
	if err != nil {
		return err
	}
	defer client.Close()
	defer func() { _ = client.Logout().Wait() }()

	a.logger.Info("imap connected", slog.String("host", cfg.IMAPHost), slog.Int("port", cfg.IMAPPort))
	if err := a.resume(ctx, client, mailbox); err != nil {
		return err
	}
	if err := a.fetchNew(ctx, client, sink); err != nil {
		return err
	}

	idleCmd, idleErr := client.Idle()
	if idleErr != nil {
		a.logger.Warn("IDLE not supported, falling back to polling", slog.Any("error", idleErr))
		return a.pollLoop(ctx, client, sink, pollInterval)
	}
	checkInterval := pollInterval
	if checkInterval > maxIdleCheck {
		checkInterval = maxIdleCheck
	}
	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = idleCmd.Close()
			return nil
		case <-newMail:
		case <-ticker.C:
		}
		if err := idleCmd.Close(); err != nil {
			return channel.NewError(channel.KindTransportUnavailable, "email.idle", err)
		}
		if err := a.fetchNew(ctx, client, sink); err != nil {
			return err
		}
		if idleCmd, idleErr = client.Idle(); idleErr != nil {
			return a.pollLoop(ctx, client, sink, pollInterval)
		}
	}
}

func (a *Adapter) pollLoop(ctx context.Context, client *imapclient.Client, sink channel.EventSink, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if err := a.fetchNew(ctx, client, sink); err != nil {
			return err
		}
	}
}

func (a *Adapter) dialIMAP(cfg settings.EmailSettings, onNewMail func()) (*imapclient.Client, *imap.SelectData, error) {
	const op = "email.imap"
	addr := net.JoinHostPort(cfg.IMAPHost, fmt.Sprint(cfg.IMAPPort))
	opts := &imapclient.Options{
		TLSConfig: &tls.Config{ServerName: cfg.IMAPHost},
		UnilateralDataHandler: &imapclient.UnilateralDataHandler{
			Mailbox: func(data *imapclient.UnilateralDataMailbox) {
				if data.NumMessages != nil {
					onNewMail()
				}
			},
		},
	}
	var (
		client *imapclient.Client
		err    error
	)
	switch cfg.IMAPPort {
	case 143:
		client, err = imapclient.DialStartTLS(addr, opts)
	default:
		client, err = imapclient.DialTLS(addr, opts)
	}
	if err != nil {
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) {
			return nil, nil, channel.Errorf(channel.KindTransportUnavailable, op, "cannot resolve imap host %q: %v", cfg.IMAPHost, err)
		}
		return nil, nil, channel.NewError(channel.KindTransportUnavailable, op, fmt.Errorf("dial %s: %w", addr, err))
	}
	if err := client.Login(cfg.IMAPUser, cfg.IMAPPassword).Wait(); err != nil {
		client.Close()
		return nil, nil, channel.NewError(channel.KindConfigurationMissing, op, fmt.Errorf("login: %w", err))
	}
	mailbox, err := client.Select("INBOX", nil).Wait()
	if err != nil {
		client.Close()
		return nil, nil, channel.NewError(channel.KindTransportUnavailable, op, fmt.Errorf("select inbox: %w", err))
	}
	return client, mailbox, nil
}

// resume sets the cursor for this session from the stored one, or records
// a baseline when the mailbox is new to us or its UIDVALIDITY changed.
func (a *Adapter) resume(ctx context.Context, client *imapclient.Client, mailbox *imap.SelectData) error {
	saved, found, err := a.loadCursor(ctx)
	if err != nil {
		return err
	}
	uidNext := uint32(mailbox.UIDNext)
	if uidNext == 0 && !(found && saved.UIDValidity == mailbox.UIDValidity) {
		// Servers may omit UIDNEXT; the highest existing UID serves as well.
		data, err := client.UIDSearch(&imap.SearchCriteria{}, nil).Wait()
		if err != nil {
			return channel.NewError(channel.KindTransportUnavailable, "email.search", err)
		}
		for _, uid := range data.AllUIDs() {
			if uint32(uid) >= uidNext {
				uidNext = uint32(uid) + 1
			}
		}
	}
	cur, baseline := resumeCursor(saved, found, mailbox.UIDValidity, uidNext)
	a.mu.Lock()
	a.cursor = cur
	a.mu.Unlock()
	if !baseline {
		a.logger.Info("imap cursor resumed", slog.Uint64("last_uid", uint64(cur.LastUID)))
		return nil
	}
	if found {
		a.logger.Warn("imap uidvalidity changed, starting from the current mailbox end",
			slog.Uint64("old_validity", uint64(saved.UIDValidity)),
			slog.Uint64("new_validity", uint64(cur.UIDValidity)),
		)
	}
	a.logger.Info("imap baseline recorded", slog.Uint64("last_uid", uint64(cur.LastUID)))
	a.saveCursor(ctx, cur)
	return nil
}

// resumeCursor keeps a stored cursor while UIDVALIDITY matches. Otherwise
// the new cursor sits just below uidNext.
func resumeCursor(saved settings.IMAPCursor, found bool, validity, uidNext uint32) (settings.IMAPCursor, bool) {
	if found && saved.UIDValidity == validity {
		return saved, false
	}
	cur := settings.IMAPCursor{UIDValidity: validity}
	if uidNext > 0 {
		cur.LastUID = uidNext - 1
	}
	return cur, true
}

func (a *Adapter) loadCursor(ctx context.Context) (settings.IMAPCursor, bool, error) {
	if a.cursors == nil {
		a.mu.Lock()
		defer a.mu.Unlock()
		return a.cursor, a.cursor.UIDValidity != 0, nil
	}
	cur, found, err := a.cursors.EmailCursor(ctx)
	if err != nil {
		return settings.IMAPCursor{}, false, channel.NewError(channel.KindTransportUnavailable, "email.cursor", err)
	}
	return cur, found, nil
}

func (a *Adapter) saveCursor(ctx context.Context, cur settings.IMAPCursor) {
	if a.cursors == nil {
		return
	}
	if err := a.cursors.SaveEmailCursor(ctx, cur); err != nil {
		a.logger.Warn("persist imap cursor failed", slog.Uint64("last_uid", uint64(cur.LastUID)), slog.Any("error", err))
	}
}

// fetchNew walks UIDs above the cursor. This ignores \Seen, so other mail
// clients reading the box do not hide messages from us.
func (a *Adapter) fetchNew(ctx context.Context, client *imapclient.Client, sink channel.EventSink) error {
	a.mu.Lock()
	lastUID := imap.UID(a.cursor.LastUID)
	a.mu.Unlock()

	var uidSet imap.UIDSet
	uidSet.AddRange(lastUID+1, 0)
	fetchCmd := client.Fetch(uidSet, &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{{Peek: true}},
	})
	defer fetchCmd.Close()

	var events []channel.InboundEvent
	highest := lastUID
	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}
		buf, err := msg.Collect()
		if err != nil {
			a.logger.Warn("collect message failed", slog.Any("error", err))
			continue
		}
		// "n:*" always returns the newest message, even when already seen.
		if buf.UID <= lastUID {
			continue
		}
		if buf.UID > highest {
			highest = buf.UID
		}
		if len(buf.BodySection) == 0 {
			continue
		}
		ev, err := a.event(ctx, buf.BodySection[0].Bytes)
		if err != nil {
			a.logger.Warn("skipping unparsable mail", slog.Uint64("uid", uint64(buf.UID)), slog.Any("error", err))
			continue
		}
		if ev != nil {
			ev.Metadata["imap_uid"] = uint32(buf.UID)
			events = append(events, *ev)
		}
	}
	if err := fetchCmd.Close(); err != nil {
		return channel.NewError(channel.KindTransportUnavailable, "email.fetch", err)
	}
	return a.deliver(ctx, sink, events, highest)
}

// deliver hands a batch to sink and moves the cursor to highest only when
// the sink accepted it. A failed batch is fetched again on the next pass;
// Message-ID dedup drops the mails that did get stored.
func (a *Adapter) deliver(ctx context.Context, sink channel.EventSink, events []channel.InboundEvent, highest imap.UID) error {
	if len(events) > 0 {
		if err := sink(ctx, a, events); err != nil {
			return err
		}
		a.logger.Info("imap fetch completed", slog.Int("messages", len(events)))
	}
	a.mu.Lock()
	if uint32(highest) <= a.cursor.LastUID {
		a.mu.Unlock()
		return nil
	}
	a.cursor.LastUID = uint32(highest)
	cur := a.cursor
	a.mu.Unlock()
	a.saveCursor(ctx, cur)
	return nil
}

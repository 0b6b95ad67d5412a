package service

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/yeqown/go-qrcode"

	"github.com/iliyamo/trip-booking/internal/clock"
	"github.com/iliyamo/trip-booking/internal/model"
	"github.com/iliyamo/trip-booking/internal/repository"
)

// TicketStore persists tickets.  CheckIn flips checked_in only while it is
// still false and reports whether it did.
type TicketStore interface {
	ListByBooking(ctx context.Context, bookingID uint64) ([]model.Ticket, error)
	GetByCode(ctx context.Context, code string) (*model.Ticket, error)
	InsertTickets(ctx context.Context, tickets []model.Ticket) error
	CheckIn(ctx context.Context, code string, now time.Time) (bool, error)
}

// QRClaims is the content of a ticket QR code.
type QRClaims struct {
	TicketCode string `json:"ticketCode"`
	TripID     uint64 `json:"tripId"`
	SeatID     uint64 `json:"seatId"`
	Sig        string `json:"sig"`
}

// ErrInvalidQR is returned by VerifyQR for tampered or unreadable payloads.
var ErrInvalidQR = errors.New("invalid ticket QR payload")

// TicketIssuer issues one ticket per seat of a confirmed booking and checks
// tickets in.
type TicketIssuer struct {
	tickets  TicketStore
	bookings BookingStore
	catalog  TripCatalog
	secret   []byte
	clock    clock.Clock
	logger   logrus.FieldLogger
}

// NewTicketIssuer builds a TicketIssuer.  qrSecret signs QR payloads so
// that gates can verify them offline.
func NewTicketIssuer(tickets TicketStore, bookings BookingStore, catalog TripCatalog, qrSecret string, opts ...Option) *TicketIssuer {
	o := buildOptions(opts)
	return &TicketIssuer{
		tickets:  tickets,
		bookings: bookings,
		catalog:  catalog,
		secret:   []byte(qrSecret),
		clock:    o.clock,
		logger:   o.logger,
	}
}

// Issue creates the tickets of a confirmed booking.  When the booking
// already has tickets they are returned unchanged.
func (t *TicketIssuer) Issue(ctx context.Context, b *model.Booking) ([]model.Ticket, error) {
	if b.Status != model.BookingConfirmed {
		return nil, fmt.Errorf("%w: tickets need a confirmed booking, got %s", ErrInvalidTransition, b.Status)
	}
	existing, err := t.tickets.ListByBooking(ctx, b.ID)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		return existing, nil
	}

	trip, err := t.catalog.GetTrip(ctx, b.TripID)
	if err != nil {
		return nil, fmt.Errorf("load trip %d: %w", b.TripID, err)
	}
	tickets := make([]model.Ticket, 0, len(b.Seats))
	for _, s := range b.Seats {
		code := TicketCode(b.Code, s.SeatIndex)
		tickets = append(tickets, model.Ticket{
			BookingID:  b.ID,
			SeatIndex:  s.SeatIndex,
			TicketCode: code,
			QRCode:     t.qrPayload(code, b.TripID, s.SeatID),
			Price:      s.Price,
			TimeFrom:   trip.DepartureAt,
			TimeTo:     trip.ArrivalAt,
			TripID:     b.TripID,
			RouteID:    trip.RouteID,
			TripSeatID: s.SeatID,
		})
	}
	if err := t.tickets.InsertTickets(ctx, tickets); err != nil {
		if !errors.Is(err, repository.ErrDuplicate) {
			return nil, err
		}
		existing, err := t.tickets.ListByBooking(ctx, b.ID)
		if err != nil {
			return nil, err
		}
		if len(existing) == 0 {
			return nil, fmt.Errorf("%w: tickets of %s issued concurrently", repository.ErrTransient, b.Code)
		}
		return existing, nil
	}
	t.logger.WithFields(logrus.Fields{"booking_code": b.Code, "tickets": len(tickets)}).Info("tickets issued")
	return tickets, nil
}

// CheckIn marks a ticket as used.  Only the first call for a ticket
// returns CheckInOK.
func (t *TicketIssuer) CheckIn(ctx context.Context, code string) (model.CheckInResult, error) {
	ok, err := t.tickets.CheckIn(ctx, code, t.clock.Now())
	if err != nil {
		return "", err
	}
	if ok {
		t.logger.WithField("ticket_code", code).Info("ticket checked in")
		return model.CheckInOK, nil
	}
	_, err = t.tickets.GetByCode(ctx, code)
	if errors.Is(err, repository.ErrNotFound) {
		return model.CheckInNotFound, nil
	}
	if err != nil {
		return "", err
	}
	return model.CheckInAlreadyCheckedIn, nil
}

// ListByBookingCode returns the booking and its tickets.  Tickets are only
// listed for bookings that were paid.
func (t *TicketIssuer) ListByBookingCode(ctx context.Context, code string) (*model.Booking, []model.Ticket, error) {
	b, err := t.bookings.GetByCode(ctx, code)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil, ErrBookingNotFound
	}
	if err != nil {
		return nil, nil, err
	}
	switch b.Status {
	case model.BookingConfirmed, model.BookingRefundRequested, model.BookingRefunded:
	default:
		return b, []model.Ticket{}, nil
	}
	tickets, err := t.tickets.ListByBooking(ctx, b.ID)
	if err != nil {
		return nil, nil, err
	}
	return b, tickets, nil
}

// RenderQR returns the PNG image of a ticket's QR payload.
func (t *TicketIssuer) RenderQR(ctx context.Context, code string) ([]byte, error) {
	tk, err := t.tickets.GetByCode(ctx, code)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrTicketNotFound
	}
	if err != nil {
		return nil, err
	}
	qrc, err := qrcode.New(tk.QRCode, qrcode.WithBuiltinImageEncoder(qrcode.PNG_FORMAT))
	if err != nil {
		return nil, fmt.Errorf("encode qr: %w", err)
	}
	var buf bytes.Buffer
	if err := qrc.SaveTo(&buf); err != nil {
		return nil, fmt.Errorf("render qr: %w", err)
	}
	return buf.Bytes(), nil
}

// VerifyQR checks the signature of a scanned payload without touching the
// database.
func (t *TicketIssuer) VerifyQR(payload string) (QRClaims, error) {
	var c QRClaims
	if err := json.Unmarshal([]byte(payload), &c); err != nil {
		return QRClaims{}, fmt.Errorf("%w: %v", ErrInvalidQR, err)
	}
	got, err := hex.DecodeString(c.Sig)
	if err != nil || !hmac.Equal(got, t.sign(c.TicketCode, c.TripID, c.SeatID)) {
		return QRClaims{}, ErrInvalidQR
	}
	return c, nil
}

// TicketCode derives the code of the ticket at seatIndex of a booking.
func TicketCode(bookingCode string, seatIndex int) string {
	return fmt.Sprintf("%s-%02d", bookingCode, seatIndex)
}

func (t *TicketIssuer) qrPayload(code string, tripID, seatID uint64) string {
	body, _ := json.Marshal(QRClaims{
		TicketCode: code,
		TripID:     tripID,
		SeatID:     seatID,
		Sig:        hex.EncodeToString(t.sign(code, tripID, seatID)),
	})
	return string(body)
}

func (t *TicketIssuer) sign(code string, tripID, seatID uint64) []byte {
	mac := hmac.New(sha256.New, t.secret)
	fmt.Fprintf(mac, "%s|%d|%d", code, tripID, seatID)
	return mac.Sum(nil)
}

package auth

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"ms-tripbooking/internal/clock"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidLinkToken = errors.New("invalid or expired pay link")

const (
	PurposeInstallment = "installment"
	PurposePayoff      = "payoff"

	linkIssuer = "trip-booking"
)

// PayLinkClaims scope a link to one booking and, for installment links, one obligation.
type PayLinkClaims struct {
	Purpose       string `json:"purpose"`
	BookingID     int64  `json:"booking_id"`
	InstallmentID int64  `json:"installment_id,omitempty"`
	jwt.RegisteredClaims
}

// LinkSigner issues and checks HS256 tokens embedded in emailed pay links.
type LinkSigner struct {
	secret []byte
	ttl    time.Duration
	clock  clock.Clock
}

func NewLinkSigner(secret string, ttl time.Duration, clk clock.Clock) (*LinkSigner, error) {
	if secret == "" {
		return nil, errors.New("link signing secret not configured")
	}
	return &LinkSigner{secret: []byte(secret), ttl: ttl, clock: clk}, nil
}

func (s *LinkSigner) SignInstallment(bookingID, installmentID int64) (string, error) {
	return s.sign(PayLinkClaims{Purpose: PurposeInstallment, BookingID: bookingID, InstallmentID: installmentID},
		"installment:"+strconv.FormatInt(installmentID, 10))
}

func (s *LinkSigner) SignPayoff(bookingID int64) (string, error) {
	return s.sign(PayLinkClaims{Purpose: PurposePayoff, BookingID: bookingID},
		"booking:"+strconv.FormatInt(bookingID, 10))
}

func (s *LinkSigner) sign(claims PayLinkClaims, subject string) (string, error) {
	now := s.clock.Now()
	claims.RegisteredClaims = jwt.RegisteredClaims{
		Issuer:    linkIssuer,
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign pay link: %w", err)
	}
	return token, nil
}

// VerifyInstallment accepts installment links for that obligation, and payoff links are never accepted here.
func (s *LinkSigner) VerifyInstallment(token string, installmentID int64) (*PayLinkClaims, error) {
	claims, err := s.parse(token)
	if err != nil {
		return nil, err
	}
	if claims.Purpose != PurposeInstallment || claims.InstallmentID != installmentID {
		return nil, ErrInvalidLinkToken
	}
	return claims, nil
}

// VerifyPayoff accepts any link issued for the booking; an installment reminder may offer a payoff.
func (s *LinkSigner) VerifyPayoff(token string, bookingID int64) (*PayLinkClaims, error) {
	claims, err := s.parse(token)
	if err != nil {
		return nil, err
	}
	if claims.BookingID != bookingID {
		return nil, ErrInvalidLinkToken
	}
	return claims, nil
}

func (s *LinkSigner) parse(token string) (*PayLinkClaims, error) {
	claims := &PayLinkClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(linkIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.clock.Now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidLinkToken, err)
	}
	return claims, nil
}

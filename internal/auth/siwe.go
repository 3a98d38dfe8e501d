package auth

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

const siweHeaderSuffix = " wants you to sign in with your Ethereum account:"

// Message is a parsed EIP-4361 sign-in message.
type Message struct {
	Domain         string
	Address        common.Address
	Statement      string
	URI            string
	Version        string
	ChainID        int64
	Nonce          string
	IssuedAt       time.Time
	ExpirationTime *time.Time
	NotBefore      *time.Time
	RequestID      string
	Resources      []string
}

// ParseMessage parses the text a wallet signed.
func ParseMessage(raw string) (*Message, error) {
	lines := strings.Split(strings.ReplaceAll(raw, "\r\n", "\n"), "\n")
	if len(lines) < 2 {
		return nil, fmt.Errorf("%w: message too short", ErrInvalidMessage)
	}

	domain, ok := strings.CutSuffix(lines[0], siweHeaderSuffix)
	if !ok || domain == "" {
		return nil, fmt.Errorf("%w: missing sign-in header", ErrInvalidMessage)
	}
	addr := strings.TrimSpace(lines[1])
	if !common.IsHexAddress(addr) {
		return nil, fmt.Errorf("%w: bad address %q", ErrInvalidMessage, addr)
	}
	msg := &Message{Domain: domain, Address: common.HexToAddress(addr)}

	i := 2
	for i < len(lines) && lines[i] == "" {
		i++
	}
	if i < len(lines) && !strings.HasPrefix(lines[i], "URI: ") {
		msg.Statement = lines[i]
		i++
		for i < len(lines) && lines[i] == "" {
			i++
		}
	}

	var issuedAt string
	for ; i < len(lines); i++ {
		line := lines[i]
		if line == "" {
			continue
		}
		if line == "Resources:" {
			for i+1 < len(lines) && strings.HasPrefix(lines[i+1], "- ") {
				i++
				msg.Resources = append(msg.Resources, strings.TrimPrefix(lines[i], "- "))
			}
			continue
		}
		key, value, ok := strings.Cut(line, ": ")
		if !ok {
			return nil, fmt.Errorf("%w: unexpected line %q", ErrInvalidMessage, line)
		}
		switch key {
		case "URI":
			msg.URI = value
		case "Version":
			msg.Version = value
		case "Chain ID":
			id, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: bad chain id", ErrInvalidMessage)
			}
			msg.ChainID = id
		case "Nonce":
			msg.Nonce = value
		case "Issued At":
			issuedAt = value
		case "Expiration Time":
			t, err := parseTimestamp(value)
			if err != nil {
				return nil, err
			}
			msg.ExpirationTime = &t
		case "Not Before":
			t, err := parseTimestamp(value)
			if err != nil {
				return nil, err
			}
			msg.NotBefore = &t
		case "Request ID":
			msg.RequestID = value
		default:
			return nil, fmt.Errorf("%w: unknown field %q", ErrInvalidMessage, key)
		}
	}

	switch {
	case msg.URI == "":
		return nil, fmt.Errorf("%w: missing URI", ErrInvalidMessage)
	case msg.Version != "1":
		return nil, fmt.Errorf("%w: unsupported version %q", ErrInvalidMessage, msg.Version)
	case msg.Nonce == "":
		return nil, fmt.Errorf("%w: missing nonce", ErrInvalidMessage)
	case issuedAt == "":
		return nil, fmt.Errorf("%w: missing issued at", ErrInvalidMessage)
	}
	t, err := parseTimestamp(issuedAt)
	if err != nil {
		return nil, err
	}
	msg.IssuedAt = t
	return msg, nil
}

// String renders the message in EIP-4361 form.
func (m *Message) String() string {
	var b strings.Builder
	b.WriteString(m.Domain + siweHeaderSuffix + "\n")
	b.WriteString(m.Address.Hex() + "\n\n")
	if m.Statement != "" {
		b.WriteString(m.Statement + "\n")
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "URI: %s\n", m.URI)
	fmt.Fprintf(&b, "Version: %s\n", m.Version)
	fmt.Fprintf(&b, "Chain ID: %d\n", m.ChainID)
	fmt.Fprintf(&b, "Nonce: %s\n", m.Nonce)
	fmt.Fprintf(&b, "Issued At: %s", m.IssuedAt.UTC().Format(time.RFC3339))
	if m.ExpirationTime != nil {
		fmt.Fprintf(&b, "\nExpiration Time: %s", m.ExpirationTime.UTC().Format(time.RFC3339))
	}
	if m.NotBefore != nil {
		fmt.Fprintf(&b, "\nNot Before: %s", m.NotBefore.UTC().Format(time.RFC3339))
	}
	if m.RequestID != "" {
		fmt.Fprintf(&b, "\nRequest ID: %s", m.RequestID)
	}
	if len(m.Resources) > 0 {
		b.WriteString("\nResources:")
		for _, r := range m.Resources {
			b.WriteString("\n- " + r)
		}
	}
	return b.String()
}

// ValidAt reports whether now falls inside the message's validity window.
func (m *Message) ValidAt(now time.Time) bool {
	if m.ExpirationTime != nil && !now.Before(*m.ExpirationTime) {
		return false
	}
	if m.NotBefore != nil && now.Before(*m.NotBefore) {
		return false
	}
	return true
}

// VerifySignature checks an EIP-191 personal_sign signature over message
// against the expected signer.
func VerifySignature(message, signature string, signer common.Address) error {
	sig, err := hexutil.Decode(strings.TrimSpace(signature))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	if len(sig) != crypto.SignatureLength {
		return fmt.Errorf("%w: signature must be %d bytes", ErrSignatureInvalid, crypto.SignatureLength)
	}
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}

	pub, err := crypto.SigToPub(accounts.TextHash([]byte(message)), sig)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	if crypto.PubkeyToAddress(*pub) != signer {
		return fmt.Errorf("%w: signer mismatch", ErrSignatureInvalid)
	}
	return nil
}

func parseTimestamp(value string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: bad timestamp %q", ErrInvalidMessage, value)
	}
	return t, nil
}

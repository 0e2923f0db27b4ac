// Package srtpkey выдает ключевой материал SRTP для сессий (SDES, RFC 4568).
package srtpkey

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"github.com/pion/dtls/v2"
)

// Suite криптонабор SRTP
type Suite int

const (
	// SuiteAES128SHA1_80 AES_CM_128_HMAC_SHA1_80, набор по умолчанию
	SuiteAES128SHA1_80 Suite = iota
	// SuiteAES128SHA1_32 AES_CM_128_HMAC_SHA1_32
	SuiteAES128SHA1_32
	// SuiteAES128NoAuth шифрование без аутентификации, используется при сбое генерации ключа
	SuiteAES128NoAuth
)

// DefaultTag тег криптоатрибута a=crypto
const DefaultTag = 1

// DefaultKeyLength длина мастер-ключа с солью в байтах
const DefaultKeyLength = 30

const (
	masterKeyLen  = 16
	masterSaltLen = 14
)

// ErrKeyLength возвращается, когда декодированный ключ не равен 30 байтам
var ErrKeyLength = errors.New("srtpkey: неверная длина ключа")

// ErrUnsupportedSuite возвращается для набора без эквивалента в DTLS-SRTP
var ErrUnsupportedSuite = errors.New("srtpkey: набор не поддерживается")

func (s Suite) String() string {
	switch s {
	case SuiteAES128SHA1_80:
		return "AES_CM_128_HMAC_SHA1_80"
	case SuiteAES128SHA1_32:
		return "AES_CM_128_HMAC_SHA1_32"
	case SuiteAES128NoAuth:
		return "AES_128_NO_AUTH"
	default:
		return fmt.Sprintf("Suite(%d)", int(s))
	}
}

// Profile возвращает соответствующий профиль защиты DTLS-SRTP (RFC 5764)
func (s Suite) Profile() (dtls.SRTPProtectionProfile, error) {
	switch s {
	case SuiteAES128SHA1_80:
		return dtls.SRTP_AES128_CM_HMAC_SHA1_80, nil
	case SuiteAES128SHA1_32:
		return dtls.SRTP_AES128_CM_HMAC_SHA1_32, nil
	default:
		return 0, fmt.Errorf("%s: %w", s, ErrUnsupportedSuite)
	}
}

// ParseSuite разбирает имя набора из атрибута a=crypto
func ParseSuite(name string) (Suite, error) {
	for _, s := range []Suite{SuiteAES128SHA1_80, SuiteAES128SHA1_32, SuiteAES128NoAuth} {
		if s.String() == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("%s: %w", name, ErrUnsupportedSuite)
}

// Material ключевой материал сессии
type Material struct {
	Tag   int
	Suite Suite
	Key   string // base64 мастер-ключа с солью
}

// Provisioner генерирует ключи из источника случайности
type Provisioner struct {
	random io.Reader
}

// NewProvisioner создает генератор. nil означает crypto/rand.
func NewProvisioner(random io.Reader) *Provisioner {
	if random == nil {
		random = rand.Reader
	}
	return &Provisioner{random: random}
}

// GenerateKey читает n случайных байт и кодирует их в base64 с выравниванием
func (p *Provisioner) GenerateKey(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(p.random, buf); err != nil {
		return "", fmt.Errorf("не удалось получить случайные данные: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf), nil
}

// Provision выдает материал для новой сессии.
// При сбое генерации возвращается материал с SuiteAES128NoAuth без ключа и ошибка.
func (p *Provisioner) Provision(n int) (Material, error) {
	key, err := p.GenerateKey(n)
	if err != nil {
		return Material{Tag: DefaultTag, Suite: SuiteAES128NoAuth}, err
	}
	return Material{Tag: DefaultTag, Suite: SuiteAES128SHA1_80, Key: key}, nil
}

// EncodedLen длина base64 представления n байт
func EncodedLen(n int) int {
	return base64.StdEncoding.EncodedLen(n)
}

// SplitKey декодирует ключ и делит его на мастер-ключ (16 байт) и соль (14 байт)
func SplitKey(key string) (masterKey, masterSalt []byte, err error) {
	raw, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return nil, nil, fmt.Errorf("ключ не в base64: %w", err)
	}
	if len(raw) != masterKeyLen+masterSaltLen {
		return nil, nil, fmt.Errorf("%d байт: %w", len(raw), ErrKeyLength)
	}
	return raw[:masterKeyLen], raw[masterKeyLen:], nil
}

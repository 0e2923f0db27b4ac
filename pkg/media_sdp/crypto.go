package media_sdp

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/arzzra/media_engine/pkg/srtpkey"
)

// CryptoAttribute атрибут a=crypto (RFC 4568)
type CryptoAttribute struct {
	Tag   int
	Suite srtpkey.Suite
	Key   string // base64 ключ и соль
}

// String возвращает значение атрибута: "1 AES_CM_128_HMAC_SHA1_80 inline:KEY"
func (c CryptoAttribute) String() string {
	return fmt.Sprintf("%d %s inline:%s", c.Tag, c.Suite, c.Key)
}

// ParseCryptoAttribute разбирает значение атрибута crypto.
// Параметры времени жизни и MKI после ключа отбрасываются.
func ParseCryptoAttribute(value string) (CryptoAttribute, error) {
	fields := strings.Fields(value)
	if len(fields) < 3 {
		return CryptoAttribute{}, NewSDPError(ErrorCodeCrypto, "некорректный атрибут crypto: %q", value)
	}

	tag, err := strconv.Atoi(fields[0])
	if err != nil {
		return CryptoAttribute{}, WrapSDPError(ErrorCodeCrypto, "", err, "некорректный тег crypto: %q", fields[0])
	}

	suite, err := srtpkey.ParseSuite(fields[1])
	if err != nil {
		return CryptoAttribute{}, WrapSDPError(ErrorCodeCrypto, "", err, "неизвестный набор: %q", fields[1])
	}

	keyParams, ok := strings.CutPrefix(fields[2], "inline:")
	if !ok {
		return CryptoAttribute{}, NewSDPError(ErrorCodeCrypto, "метод ключа не inline: %q", fields[2])
	}
	key, _, _ := strings.Cut(keyParams, "|")

	return CryptoAttribute{Tag: tag, Suite: suite, Key: key}, nil
}

package hashdata

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/swiftorigin/sos/pkg/helper"
)

// ErrInvalidContentType is returned when a listing child's Content-Type does
// not carry a well-formed x-cdn encoding. Rows failing this way are logged
// and skipped by the listing handler.
var ErrInvalidContentType = errors.New("invalid content type")

const listingContentTypePrefix = "x-cdn/"

// ListingContentType packs (cdn_enabled, ttl, logs_enabled) into the
// Content-Type carried by a listing child object.
func ListingContentType(cdnEnabled bool, ttl int64, logsEnabled bool) string {
	return fmt.Sprintf("%s%s-%d-%s",
		listingContentTypePrefix, helper.FormatBool(cdnEnabled), ttl, helper.FormatBool(logsEnabled))
}

// ParseListingContentType unpacks a listing child's Content-Type.
func ParseListingContentType(ct string) (cdnEnabled bool, ttl int64, logsEnabled bool, err error) {
	if !strings.HasPrefix(ct, listingContentTypePrefix) {
		return false, 0, false, fmt.Errorf("%w: %q", ErrInvalidContentType, ct)
	}

	parts := strings.Split(ct[len(listingContentTypePrefix):], "-")
	if len(parts) != 3 {
		return false, 0, false, fmt.Errorf("%w: %q", ErrInvalidContentType, ct)
	}

	ttl, err = strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return false, 0, false, fmt.Errorf("%w: %q", ErrInvalidContentType, ct)
	}

	return helper.IsTrue(parts[0]), ttl, helper.IsTrue(parts[2]), nil
}

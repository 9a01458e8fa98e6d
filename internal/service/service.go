package service

import (
	"errors"
	"strconv"
	"time"

	"phashguard/internal/biz"
	"phashguard/internal/pkg/hash"

	kerrors "github.com/go-kratos/kratos/v2/errors"
	"github.com/google/wire"
)

// ProviderSet is service providers.
var ProviderSet = wire.NewSet(NewModerationService, NewAdminService)

// discordEpoch is the snowflake epoch in unix milliseconds.
const discordEpoch = 1420070400000

// snowflakeTime returns the creation time encoded in a snowflake id, or the
// zero time when id is not one.
func snowflakeTime(id string) time.Time {
	n, err := strconv.ParseUint(id, 10, 64)
	if err != nil || n>>22 == 0 {
		return time.Time{}
	}
	return time.UnixMilli(int64(n>>22) + discordEpoch).UTC()
}

// toServiceError maps usecase errors onto kratos errors.
func toServiceError(err error) error {
	var de *hash.DecodeError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &de):
		return kerrors.BadRequest("INVALID_IMAGE", err.Error())
	case errors.Is(err, biz.ErrInvalidRequest),
		errors.Is(err, hash.ErrInvalidDigest),
		errors.Is(err, hash.ErrUnknownAlgorithm),
		errors.Is(err, hash.ErrImageTooLarge):
		return kerrors.BadRequest("INVALID_ARGUMENT", err.Error())
	case errors.Is(err, biz.ErrDiscoveryFailure), errors.Is(err, biz.ErrDocumentNotFound):
		return kerrors.NotFound("BLACKLIST_DOCUMENT_NOT_FOUND", err.Error())
	case errors.Is(err, biz.ErrPersistenceDenied):
		return kerrors.ServiceUnavailable("BLACKLIST_PERSISTENCE_DENIED", err.Error())
	}
	return kerrors.InternalServer("INTERNAL", err.Error())
}

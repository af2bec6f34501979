package cold

import (
	"errors"

	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// ErrBadMagic marks a partition whose container bytes are not gzip. The
// reader treats it as a data-integrity error: log, skip, keep serving.
var ErrBadMagic = errors.New("partition is not a gzip container")

func isNotFound(err error) bool {
	var noSuchKey *s3types.NoSuchKey
	var notFound *s3types.NotFound
	return errors.As(err, &noSuchKey) || errors.As(err, &notFound)
}

//go:build !linux

package sandbox

import (
	"fmt"

	"github.com/ipa-dump/ipa-dump-go/internal/capability"
	"github.com/sirupsen/logrus"
)

// newRawSurface 非 Linux 宿主没有原始系统调用路径
func newRawSurface(resolver *capability.Resolver, logger *logrus.Logger) (Surface, error) {
	return nil, fmt.Errorf("%w: raw syscall surface not available on this host", ErrCapabilityUnavailable)
}

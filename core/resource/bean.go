// Package resource holds the configuration descriptor and runtime state of
// the resource managers a transaction can span: the per-resource bean, the
// per-branch state container, the process-wide registry recovery uses to
// find resources by name, and a small pooled-holder container.
package resource

import "fmt"

// Bean is the configuration descriptor of one resource manager.
type Bean struct {
	// UniqueName identifies the resource in the journal and the registry.
	UniqueName string `yaml:"uniqueName"`
	// ClassName names the driver or adapter that produces the resource.
	ClassName string `yaml:"className"`
	// UseTMJoin requests TMJOIN when a second branch lands on the same
	// resource manager within one transaction.
	UseTMJoin bool `yaml:"useTmJoin"`
	// TwoPCOrderingPosition sorts this resource's branches during the
	// two-phase protocol. Natural order for prepare and commit, reverse
	// order for rollback.
	TwoPCOrderingPosition int `yaml:"twoPcOrderingPosition"`
	// IgnoreRecoveryFailures keeps a recovery failure on this resource from
	// marking it failed.
	IgnoreRecoveryFailures bool `yaml:"ignoreRecoveryFailures"`
	// ApplyTransactionTimeout propagates the transaction timeout to the
	// resource at enlistment.
	ApplyTransactionTimeout bool `yaml:"applyTransactionTimeout"`
	// DriverProperties is passed through to the driver untouched.
	DriverProperties map[string]string `yaml:"driverProperties"`

	// MinPoolSize and MaxPoolSize bound the pooled holders kept for this
	// resource.
	MinPoolSize int `yaml:"minPoolSize"`
	MaxPoolSize int `yaml:"maxPoolSize"`
	// AcquisitionTimeoutSeconds bounds how long acquisition blocks waiting
	// for a free holder.
	AcquisitionTimeoutSeconds int `yaml:"acquisitionTimeout"`
}

// Validate rejects beans the coordinator cannot work with.
func (b *Bean) Validate() error {
	if b.UniqueName == "" {
		return fmt.Errorf("resource bean has no uniqueName")
	}
	if b.MaxPoolSize < 0 || b.MinPoolSize < 0 || b.MinPoolSize > b.MaxPoolSize {
		return fmt.Errorf("resource %s has an invalid pool size range [%d, %d]", b.UniqueName, b.MinPoolSize, b.MaxPoolSize)
	}
	return nil
}

func (b *Bean) String() string {
	return fmt.Sprintf("a ResourceBean with uniqueName %s", b.UniqueName)
}

package frame

import (
	"testing"

	"signalpoint/testutil"
)

func TestPackageStaysOffStorageAndLoggingBackends(t *testing.T) {
	testutil.AssertNoDirectImports(t, ".", testutil.AnyOf(
		testutil.InfraImportForbidden,
		testutil.StorageSDKForbidden,
		testutil.LoggingBackendForbidden,
	), "frame works through interfaces")
}

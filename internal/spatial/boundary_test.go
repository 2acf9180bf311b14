package spatial

import (
	"testing"

	"signalpoint/testutil"
)

func TestPackageStaysOffStorageAndLoggingBackends(t *testing.T) {
	testutil.AssertNoDirectImports(t, ".", testutil.AnyOf(
		testutil.InfraImportForbidden,
		testutil.StorageSDKForbidden,
		testutil.LoggingBackendForbidden,
	), "geometry has no side effects")
}

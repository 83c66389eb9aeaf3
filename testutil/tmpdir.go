package testutil

import (
	"io/ioutil"
	"os"
)

/*
	Run the given function with a fresh temporary directory, removing it
	(and anything the test left inside) afterwards.
*/
func WithTmpdir(fn func(tmpDir string)) {
	tmpBase, err := ioutil.TempDir("", "packhouse-test-")
	if err != nil {
		panic(err)
	}
	defer os.RemoveAll(tmpBase)
	fn(tmpBase)
}

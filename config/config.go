/*
	Helpers for loading contextual config.

	Config for packhouse means "things that are the host machine operator's
	concerns".  So, things like where on disk the repositories live and which
	address to listen on are considered "config", as opposed to parameters of
	the protocol operations themselves.
	(The distinction matters because every protocol operation must already
	carry all the information it needs in the request; the operator's choices
	only pin down where that machinery is rooted on this particular host.)
*/
package config

import (
	"os"
	"path/filepath"
)

/*
	Return the path that is the root under which bare repositories are kept.

	The default value is `"/var/lib/packhouse/repos"`;
	this can be overriden by the `PACKHOUSE_BASE` environment variable.
*/
func GetBasePath() string {
	pth := os.Getenv("PACKHOUSE_BASE")
	if pth == "" {
		pth = "/var/lib/packhouse/repos"
	}
	pth, err := filepath.Abs(pth)
	if err != nil {
		panic(err)
	}
	return pth
}

/*
	Return the address the HTTP listener binds to.

	The default value is `":9419"`;
	this can be overriden by the `PACKHOUSE_LISTEN` environment variable.
*/
func GetListenAddr() string {
	addr := os.Getenv("PACKHOUSE_LISTEN")
	if addr == "" {
		addr = ":9419"
	}
	return addr
}

/*
	Return the URL path prefix under which the smart-HTTP surface is served.

	The default value is `"/git"`;
	this can be overriden by the `PACKHOUSE_PREFIX` environment variable.
*/
func GetRoutePrefix() string {
	prefix := os.Getenv("PACKHOUSE_PREFIX")
	if prefix == "" {
		prefix = "/git"
	}
	return prefix
}

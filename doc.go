/*
vizzly is a visual regression testing toolkit.

It captures screenshots from test runs, compares them against stored
baselines, and either reports differences locally through a TDD server or
uploads batches to the remote API for team review.

Usage:

	vizzly run <command> [args...]   spawn the local server, run the test
	                                 command against it, then shut down
	vizzly tdd start                 start the local comparison server
	vizzly tdd stop                  stop a running server
	vizzly tdd reset                 clear baseline, current, and diff data
	vizzly upload <dir>              upload screenshots to the remote API
	vizzly capture <buildDir>        capture a built static site or story
	                                 catalog across viewports
	vizzly status                    report run mode and workspace state

Common flags:

	-config path    config file (default vizzly.config.json if present)
	-token string   API token (defaults to VIZZLY_TOKEN or global config)
	-json           emit JSON lines instead of human output
	-verbose        debug logging

Upload flags:

	-build-name s    build display name ({timestamp} is substituted)
	-branch s        git branch
	-commit s        git commit SHA
	-message s       commit message
	-environment s   environment label (default "test")
	-parallel-id s   shards sharing this id merge into one build
	-wait            wait for server-side comparisons to finish
	-timeout d       per-request timeout (default 30s)

Capture flags:

	-base-url s      serve pages from this URL instead of a local server
	-storybook       treat the directory as a story catalog
	-sitemap         discover pages from sitemap.xml
	-include glob    keep only matching URL paths
	-exclude glob    drop matching URL paths
	-concurrency n   parallel captures (default 4)
	-pool-size n     browser tab pool size (default 4)

Exit status is 0 on success and 1 on any validation, network, or
comparison failure.
*/
package main

// Package profile loads merchant cancellation profiles from CUE files.
//
// A profile describes what the orchestrator knows about one merchant:
// the login entry point, which automation backend handles it, and the
// marker phrases that tune the Dark-Pattern Shield for that merchant's
// cancellation flow. Profiles are declared under a top-level "profile"
// struct, one field per merchant:
//
//	profile: netflix: {
//		service:   "netflix"
//		login_url: "https://www.netflix.com/login"
//		backend:   "hosted"
//		markers: retention: ["pause instead", "take a break"]
//	}
package profile

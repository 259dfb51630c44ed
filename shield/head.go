package shield

import "net/http"

// HeadToGet answers HEAD on the given paths by running their GET handler;
// net/http discards the body. HEAD on any other path is left to the router,
// so an uptime check cannot make the API list every track.
// With no paths every HEAD is converted.
func HeadToGet(paths ...string) func(http.Handler) http.Handler {
	allowed := make(map[string]bool, len(paths))
	for _, p := range paths {
		allowed[p] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodHead && (len(allowed) == 0 || allowed[r.URL.Path]) {
				r.Method = http.MethodGet
			}
			next.ServeHTTP(w, r)
		})
	}
}

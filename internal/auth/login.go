package auth

import (
	"crypto/rand"
	"encoding/base64"
	"net/http"

	"github.com/labstack/echo/v4"
)

// Login initiates the OAuth2 authorization code flow by redirecting the user
// to the Okta authorization endpoint. A random state value is stored in a
// cookie to mitigate CSRF attacks.
func (a *Auth) Login(c echo.Context) error {
	if a.bypass {
		return c.Redirect(http.StatusSeeOther, "/")
	}
	if a.oauth2Config == nil {
		return echo.NewHTTPError(http.StatusNotImplemented, "browser login is not configured")
	}

	state, err := generateState()
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to generate state")
	}

	c.SetCookie(&http.Cookie{
		Name:     "oauthstate",
		Value:    state,
		HttpOnly: true,
		Path:     "/",
		// For production you should set Secure: true and SameSite=strict
	})

	return c.Redirect(http.StatusTemporaryRedirect, a.oauth2Config.AuthCodeURL(state))
}

// Callback handles the redirect back from Okta. It verifies the state
// parameter, exchanges the code for tokens, validates the ID token, and sets
// a session cookie containing the raw ID token.
func (a *Auth) Callback(c echo.Context) error {
	if a.bypass {
		return c.Redirect(http.StatusSeeOther, "/")
	}
	if a.oauth2Config == nil {
		return echo.NewHTTPError(http.StatusNotImplemented, "browser login is not configured")
	}

	cookie, err := c.Cookie("oauthstate")
	if err != nil || c.QueryParam("state") != cookie.Value {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid state")
	}

	token, err := a.oauth2Config.Exchange(c.Request().Context(), c.QueryParam("code"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "token exchange failed")
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok {
		return echo.NewHTTPError(http.StatusInternalServerError, "no id_token in token response")
	}

	if _, err := a.verifier.Verify(c.Request().Context(), rawIDToken); err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "failed to verify id token")
	}

	c.SetCookie(&http.Cookie{
		Name:     "id_token",
		Value:    rawIDToken,
		HttpOnly: true,
		Path:     "/",
		// Secure: true,
	})

	return c.Redirect(http.StatusSeeOther, "/")
}

// Logout clears the session cookie and redirects to the home page.
func (a *Auth) Logout(c echo.Context) error {
	c.SetCookie(&http.Cookie{
		Name:   "id_token",
		Value:  "",
		Path:   "/",
		MaxAge: -1,
	})
	return c.Redirect(http.StatusSeeOther, "/")
}

func generateState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(b), nil
}

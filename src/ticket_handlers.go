package main

import (
	"fmt"
	"log"
	"maguey/src/config"
	"maguey/src/lib"
	"maguey/src/middlewares"
	"maguey/src/reservations"
	"maguey/src/types"
	"maguey/src/utils"
	"net/http"
	"os"
	"time"

	awslib "maguey/src/lib/aws"

	"github.com/gin-gonic/gin"
)

const passImageTTL = 2 * time.Hour

func ticketHandlers(g *gin.RouterGroup, svc *services) *gin.RouterGroup {
	boxOffice := middlewares.RequireRole(types.ROLE_BOX)
	g.
		POST("/tickets", boxOffice, func(ctx *gin.Context) {
			var body types.IssueTicketRequestBody
			if err := ctx.ShouldBindJSON(&body); err != nil {
				bindError(ctx, err)
				return
			}
			t, err := svc.engine.IssueTicket(ctx.Request.Context(), reservations.IssueTicketRequest{
				EventID:     body.EventID,
				ResourceID:  body.ResourceID,
				HolderName:  body.HolderName,
				HolderEmail: body.HolderEmail,
			})
			if err != nil {
				abortWithError(ctx, err)
				return
			}
			ctx.JSON(http.StatusCreated, t)
		}).
		POST("/tickets/:id/link", boxOffice, func(ctx *gin.Context) {
			var params types.SimpleRequestParams
			if err := ctx.ShouldBindUri(&params); err != nil {
				bindError(ctx, err)
				return
			}
			var body types.LinkTicketRequestBody
			if err := ctx.ShouldBindJSON(&body); err != nil {
				bindError(ctx, err)
				return
			}
			link, err := svc.engine.LinkTicket(ctx.Request.Context(), params.ID, body.ReservationID)
			if err != nil {
				abortWithError(ctx, err)
				return
			}
			ctx.JSON(http.StatusCreated, link)
		}).
		GET("/passes/:token/code", boxOffice, func(ctx *gin.Context) {
			var params types.TokenRequestParams
			if err := ctx.ShouldBindUri(&params); err != nil {
				bindError(ctx, err)
				return
			}
			cred, err := svc.processor.Lookup(ctx.Request.Context(), params.Token)
			if err != nil {
				abortWithError(ctx, err)
				return
			}
			key, err := utils.QRKey()
			if err != nil {
				abortWithError(ctx, err)
				return
			}
			code, err := utils.EncodePassCode(key, cred.Token)
			if err != nil {
				abortWithError(ctx, err)
				return
			}
			if ctx.Query("format") == "text" {
				ctx.JSON(http.StatusOK, gin.H{"code": code, "kind": cred.Kind})
				return
			}

			cacheKey := fmt.Sprintf("pass:%s:url", cred.Token)
			rd := lib.GetRedisClient()
			if rd != nil {
				if url, err := rd.Get(ctx.Request.Context(), cacheKey).Result(); err == nil {
					ctx.JSON(http.StatusOK, gin.H{"url": url, "kind": cred.Kind})
					return
				}
			}

			filename := fmt.Sprintf("pass-%s", cred.Token)
			filepath, err := utils.SaveQRCode(utils.TempDir(), filename, code)
			if err != nil {
				log.Printf("Could not save qrcode to file [%s]: %s\n", filename, err.Error())
				abortWithError(ctx, err)
				return
			}
			if config.IsLocal() || os.Getenv("S3_ASSETS_BUCKET") == "" {
				ctx.FileAttachment(filepath, "pass.jpeg")
				return
			}
			url, err := awslib.S3UploadAsset(ctx.Request.Context(), filename+".jpeg", filepath, "image/jpeg", passImageTTL)
			os.Remove(filepath)
			if err != nil {
				log.Printf("Error uploading asset to S3 bucket: %s\n", err.Error())
				abortWithError(ctx, err)
				return
			}
			if rd != nil {
				rd.SetEx(ctx.Request.Context(), cacheKey, *url, passImageTTL-5*time.Minute)
			}
			ctx.JSON(http.StatusOK, gin.H{"url": *url, "kind": cred.Kind})
		})
	return g
}

package aws

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/pricing"
	"github.com/aws/aws-sdk-go-v2/service/pricing/types"
)

// regionLocations maps region codes to the location names the price list uses
var regionLocations = map[string]string{
	"us-east-1":      "US East (N. Virginia)",
	"us-east-2":      "US East (Ohio)",
	"us-west-1":      "US West (N. California)",
	"us-west-2":      "US West (Oregon)",
	"eu-west-1":      "EU (Ireland)",
	"eu-central-1":   "EU (Frankfurt)",
	"ap-northeast-1": "Asia Pacific (Tokyo)",
	"ap-southeast-2": "Asia Pacific (Sydney)",
}

// HourlyPrice returns the current hourly USD price for instanceType
func (c *Client) HourlyPrice(ctx context.Context, instanceType string, spot bool) (float64, error) {
	if spot {
		return c.spotPrice(ctx, instanceType)
	}
	return c.onDemandPrice(ctx, instanceType)
}

// onDemandPrice queries the price list for a Linux shared-tenancy instance
func (c *Client) onDemandPrice(ctx context.Context, instanceType string) (float64, error) {
	location, ok := regionLocations[c.opts.Region]
	if !ok {
		return 0, fmt.Errorf("no price list location for region %s", c.opts.Region)
	}

	term := func(field, value string) types.Filter {
		return types.Filter{Field: aws.String(field), Type: types.FilterTypeTermMatch, Value: aws.String(value)}
	}
	out, err := c.pricingClient.GetProducts(ctx, &pricing.GetProductsInput{
		ServiceCode: aws.String("AmazonEC2"),
		Filters: []types.Filter{
			term("instanceType", instanceType),
			term("location", location),
			term("operatingSystem", "Linux"),
			term("tenancy", "Shared"),
			term("preInstalledSw", "NA"),
			term("capacitystatus", "Used"),
		},
		MaxResults: aws.Int32(10),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to get products: %w", err)
	}

	for _, doc := range out.PriceList {
		if price, ok := parseOnDemandPrice(doc); ok {
			return price, nil
		}
	}
	return 0, fmt.Errorf("no on-demand price for %s in %s", instanceType, c.opts.Region)
}

// priceListEntry is the part of a price list document holding on-demand terms
type priceListEntry struct {
	Terms struct {
		OnDemand map[string]struct {
			PriceDimensions map[string]struct {
				PricePerUnit map[string]string `json:"pricePerUnit"`
			} `json:"priceDimensions"`
		} `json:"OnDemand"`
	} `json:"terms"`
}

func parseOnDemandPrice(doc string) (float64, bool) {
	var entry priceListEntry
	if err := json.Unmarshal([]byte(doc), &entry); err != nil {
		return 0, false
	}
	for _, offer := range entry.Terms.OnDemand {
		for _, dim := range offer.PriceDimensions {
			usd, ok := dim.PricePerUnit["USD"]
			if !ok {
				continue
			}
			price, err := strconv.ParseFloat(usd, 64)
			if err == nil && price > 0 {
				return price, true
			}
		}
	}
	return 0, false
}

// spotPrice returns the most recent spot price for instanceType
func (c *Client) spotPrice(ctx context.Context, instanceType string) (float64, error) {
	out, err := c.ec2Client.DescribeSpotPriceHistory(ctx, &ec2.DescribeSpotPriceHistoryInput{
		InstanceTypes:       []ec2types.InstanceType{ec2types.InstanceType(instanceType)},
		ProductDescriptions: []string{"Linux/UNIX"},
		StartTime:           aws.Time(time.Now()),
		MaxResults:          aws.Int32(10),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to describe spot price history: %w", err)
	}

	var best float64
	for _, sp := range out.SpotPriceHistory {
		price, err := strconv.ParseFloat(aws.ToString(sp.SpotPrice), 64)
		if err != nil {
			continue
		}
		if best == 0 || price < best {
			best = price
		}
	}
	if best == 0 {
		return 0, fmt.Errorf("no spot price for %s", instanceType)
	}
	return best, nil
}

func base64UserData(script string) string {
	return base64.StdEncoding.EncodeToString([]byte(script))
}
